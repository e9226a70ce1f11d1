// Package tools defines the tool abstraction the agent can propose calls
// against, and the process-wide registry of implementations.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/steward-ai/steward/internal/llm"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Tool is a capability the agent can invoke on behalf of a tenant.
type Tool interface {
	// Name returns the tool identifier (snake_case).
	Name() string
	// Description tells the model what the tool does.
	Description() string
	// InputSchema returns the JSON Schema for the tool's parameters.
	InputSchema() map[string]interface{}
	// Execute runs the tool with validated parameters.
	Execute(ctx context.Context, params map[string]interface{}) (string, error)
}

// Costed is implemented by tools whose execution carries a credit price.
// Tools without it cost defaultToolCredits.
type Costed interface {
	CreditCost() float64
}

const defaultToolCredits = 1.0

// CreditCost returns the credits charged for one execution of the tool.
func CreditCost(t Tool) float64 {
	if c, ok := t.(Costed); ok {
		return c.CreditCost()
	}
	return defaultToolCredits
}

// readOnlyPrefixes mark tools with no side effects. Under draft_only
// autonomy these are the only tools allowed to execute.
var readOnlyPrefixes = []string{"list_", "get_", "search_", "query_"}

// IsReadOnly reports whether the tool name follows the read-only naming
// convention.
func IsReadOnly(name string) bool {
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Registry holds the registered tool implementations. Safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing definitions of the named tools,
// skipping names with no registered implementation. Order follows names.
func (r *Registry) Definitions(names []string) []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}
