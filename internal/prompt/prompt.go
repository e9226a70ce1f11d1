// Package prompt assembles the model request for a turn. Assembly is pure:
// the same config and history always produce the same messages.
package prompt

import (
	"fmt"
	"strings"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/llm"
	"github.com/steward-ai/steward/internal/session"
)

// Assemble builds the message list for a turn: one system message derived
// from the agent config, followed by the most recent window entries of the
// session history (which already contains the inbound message).
func Assemble(cfg *agentcfg.AgentConfig, history []session.Message, window int) []llm.Message {
	messages := []llm.Message{{Role: "system", Content: systemPrompt(cfg)}}

	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}

	for _, m := range history {
		role := "user"
		switch m.Role {
		case session.RoleAgent:
			role = "assistant"
		case session.RoleSystem:
			role = "system"
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	return messages
}

func systemPrompt(cfg *agentcfg.AgentConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s.", cfg.Agent.DisplayName)
	if cfg.Agent.Personality != "" {
		fmt.Fprintf(&b, " %s", cfg.Agent.Personality)
	}
	fmt.Fprintf(&b, "\nRespond in language %q.", cfg.Language())

	if cfg.Agent.SystemPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(cfg.Agent.SystemPrompt)
	}

	if len(cfg.FAQ) > 0 {
		b.WriteString("\n\nFrequently asked questions:")
		for _, entry := range cfg.FAQ {
			fmt.Fprintf(&b, "\nQ: %s\nA: %s", entry.Question, entry.Answer)
		}
	}

	return b.String()
}
