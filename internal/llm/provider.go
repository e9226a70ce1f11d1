// Package llm abstracts the model providers behind a single Provider
// interface and prices their usage in credits.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutLLMCall bounds every provider round trip.
const TimeoutLLMCall = 60 * time.Second

// Domain errors for the LLM package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrEmptyResponse        = errors.New("provider returned no choices")
)

// StatusError is a provider HTTP failure carrying its status code, so the
// invoker can tell transient server-side failures from client errors.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.Code, e.Body)
}

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// Generate sends a completion request to the LLM and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents an LLM generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Response represents an LLM generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a request from the model to call a tool. Arguments is nil
// when the model emitted arguments that are not valid JSON; RawArguments
// always holds the original payload for auditing.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]interface{}
	RawArguments string
}

// Malformed reports whether the model's arguments could not be parsed.
func (tc ToolCall) Malformed() bool {
	return tc.Arguments == nil && tc.RawArguments != ""
}
