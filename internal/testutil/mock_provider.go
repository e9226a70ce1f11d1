// Package testutil provides shared test helpers and mocks for steward tests.
package testutil

import (
	"context"
	"sync"

	"github.com/steward-ai/steward/internal/llm"
)

// MockProvider implements llm.Provider for tests without live API calls.
// When Content is empty, Generate returns "mock response from " + ProviderName.
// Set Err to simulate provider failures.
type MockProvider struct {
	ProviderName string
	Content      string
	Err          error
}

// Name returns the provider identifier (implements llm.Provider).
func (m *MockProvider) Name() string { return m.ProviderName }

// Generate returns a canned response or the configured error.
func (m *MockProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	content := m.Content
	if content == "" {
		content = "mock response from " + m.ProviderName
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// EstimateCost returns a fixed cost for tests.
func (m *MockProvider) EstimateCost(_ string, _, _ int) float64 { return 0.001 }

// ScriptedProvider implements llm.Provider with a configurable response
// sequence (e.g. a tool-call turn followed by a plain answer). It records
// the messages of every request for assertions.
type ScriptedProvider struct {
	mu               sync.Mutex
	ProviderName     string
	Responses        []*llm.Response // call N gets Responses[N], or the last one if N >= len
	CallCount        int
	ReceivedMessages [][]llm.Message
	CostPerCall      float64 // EstimateCost return value (default 0.001)
	ErrOnCall        int     // 1-based; Generate returns Err on that call. 0 = never
	Err              error
}

// Name returns the configured provider identifier, defaulting to "openai".
func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "openai"
	}
	return p.ProviderName
}

// Generate returns the next response in the sequence and records the request.
func (p *ScriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CallCount++
	idx := p.CallCount - 1
	msgCopy := make([]llm.Message, len(req.Messages))
	copy(msgCopy, req.Messages)
	p.ReceivedMessages = append(p.ReceivedMessages, msgCopy)
	resps := p.Responses
	callCount := p.CallCount
	errOnCall := p.ErrOnCall
	errReturn := p.Err
	p.mu.Unlock()

	if errOnCall > 0 && callCount == errOnCall && errReturn != nil {
		return nil, errReturn
	}
	if len(resps) == 0 {
		return &llm.Response{
			Content:      "no responses configured",
			FinishReason: "stop",
			InputTokens:  10,
			OutputTokens: 20,
			Model:        req.Model,
		}, nil
	}
	if idx >= len(resps) {
		idx = len(resps) - 1
	}
	out := resps[idx]
	r := &llm.Response{
		Content:      out.Content,
		FinishReason: out.FinishReason,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		Model:        out.Model,
	}
	if len(out.ToolCalls) > 0 {
		r.ToolCalls = make([]llm.ToolCall, len(out.ToolCalls))
		copy(r.ToolCalls, out.ToolCalls)
	}
	return r, nil
}

// EstimateCost returns the configured per-call cost for tests.
func (p *ScriptedProvider) EstimateCost(_ string, _, _ int) float64 {
	if p.CostPerCall != 0 {
		return p.CostPerCall
	}
	return 0.001
}
