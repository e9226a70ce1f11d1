package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/steward-ai/steward/internal/session"
)

// RecordingSender implements channel.Sender and captures outbound replies.
type RecordingSender struct {
	mu      sync.Mutex
	Channel string
	Fail    bool
	Sent    []string
}

// Name returns the channel identifier.
func (r *RecordingSender) Name() string { return r.Channel }

// Send records the text or fails when Fail is set.
func (r *RecordingSender) Send(_ context.Context, _ *session.Session, text string) error {
	if r.Fail {
		return errors.New("channel unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, text)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *RecordingSender) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Sent))
	copy(out, r.Sent)
	return out
}

// CannedTool implements tools.Tool (and tools.Costed) with a fixed result.
type CannedTool struct {
	mu        sync.Mutex
	ToolName  string
	Desc      string
	Schema    map[string]interface{}
	Result    string
	Err       error
	Credits   float64
	CallCount int
	LastArgs  map[string]interface{}
}

// Name returns the tool identifier.
func (c *CannedTool) Name() string { return c.ToolName }

// Description returns the tool description.
func (c *CannedTool) Description() string {
	if c.Desc == "" {
		return "canned tool for tests"
	}
	return c.Desc
}

// InputSchema returns the configured schema.
func (c *CannedTool) InputSchema() map[string]interface{} { return c.Schema }

// CreditCost returns the configured execution price (default 1 credit).
func (c *CannedTool) CreditCost() float64 {
	if c.Credits != 0 {
		return c.Credits
	}
	return 1
}

// Execute records the call and returns the canned result.
func (c *CannedTool) Execute(_ context.Context, params map[string]interface{}) (string, error) {
	c.mu.Lock()
	c.CallCount++
	c.LastArgs = params
	c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	return c.Result, nil
}

// Calls returns how many times the tool ran.
func (c *CannedTool) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCount
}
