// Package agentcfg loads and resolves per-tenant agent configuration.
//
// Each tenant owns one <tenant>.agent.yaml document describing the agent's
// identity, tool policy, autonomy level, spend caps, and model selection.
// Documents are schema-validated on load and exposed read-only to the
// pipeline through the Registry.
package agentcfg

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Autonomy levels controlling how proposed tool calls are handled.
const (
	AutonomyDraftOnly  = "draft_only"  // only read-only tools may execute
	AutonomySupervised = "supervised"  // every tool call queues for approval
	AutonomyAutonomous = "autonomous"  // execute unless listed in require_approval_for
)

// ErrTenantNotConfigured is returned when no agent config exists for a tenant.
var ErrTenantNotConfigured = errors.New("tenant not configured")

// AgentConfig is a complete <tenant>.agent.yaml document. Immutable per read;
// the pipeline never mutates it.
type AgentConfig struct {
	Agent    IdentityConfig `yaml:"agent" json:"agent"`
	FAQ      []FAQEntry     `yaml:"faq,omitempty" json:"faq,omitempty"`
	Tools    ToolsConfig    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Autonomy AutonomyConfig `yaml:"autonomy" json:"autonomy"`
	Limits   LimitsConfig   `yaml:"limits,omitempty" json:"limits,omitempty"`
	Model    ModelConfig    `yaml:"model" json:"model"`

	// Computed fields (not serialized from YAML)
	TenantID string `yaml:"-" json:"-"`
	Hash     string `yaml:"-" json:"-"`
}

// IdentityConfig holds the agent's customer-facing identity.
type IdentityConfig struct {
	DisplayName  string `yaml:"display_name" json:"display_name"`
	Language     string `yaml:"language,omitempty" json:"language,omitempty"`
	Personality  string `yaml:"personality,omitempty" json:"personality,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// FAQEntry is one question/answer pair injected into the prompt.
type FAQEntry struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

// ToolsConfig defines which tools the agent may propose.
type ToolsConfig struct {
	Enabled  []string `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// AutonomyConfig controls tool-call governance.
type AutonomyConfig struct {
	Level string `yaml:"level" json:"level"`
	// RequireApprovalFor is meaningful only when Level is "autonomous".
	RequireApprovalFor []string `yaml:"require_approval_for,omitempty" json:"require_approval_for,omitempty"`
}

// LimitsConfig holds the advisory daily caps checked before admission.
// Zero means no cap.
type LimitsConfig struct {
	DailyMessageCap int     `yaml:"daily_message_cap,omitempty" json:"daily_message_cap,omitempty"`
	DailyCostCap    float64 `yaml:"daily_cost_cap,omitempty" json:"daily_cost_cap,omitempty"`
}

// ModelConfig selects the LLM provider and generation parameters.
type ModelConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Name        string  `yaml:"name" json:"name"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Language returns the configured reply language, defaulting to "en".
func (c *AgentConfig) Language() string {
	if c.Agent.Language == "" {
		return "en"
	}
	return c.Agent.Language
}

// ToolEnabled reports whether the named tool is enabled and not disabled.
// The disabled list wins over the enabled list.
func (c *AgentConfig) ToolEnabled(name string) bool {
	for _, d := range c.Tools.Disabled {
		if d == name {
			return false
		}
	}
	for _, e := range c.Tools.Enabled {
		if e == name {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether the named tool is in the tenant's
// require_approval_for list.
func (c *AgentConfig) RequiresApproval(name string) bool {
	for _, t := range c.Autonomy.RequireApprovalFor {
		if t == name {
			return true
		}
	}
	return false
}

// ComputeHash sets the content hash used as the config version tag.
func (c *AgentConfig) ComputeHash(content []byte) {
	sum := sha256.Sum256(content)
	c.Hash = hex.EncodeToString(sum[:])
}

func applyDefaults(c *AgentConfig) {
	if c.Agent.Language == "" {
		c.Agent.Language = "en"
	}
	if c.Autonomy.Level == "" {
		c.Autonomy.Level = AutonomySupervised
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 1024
	}
}
