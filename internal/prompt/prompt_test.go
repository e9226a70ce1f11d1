package prompt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/session"
)

func testConfig() *agentcfg.AgentConfig {
	return &agentcfg.AgentConfig{
		Agent: agentcfg.IdentityConfig{
			DisplayName:  "Maple Dental Assistant",
			Language:     "de",
			Personality:  "Warm and concise.",
			SystemPrompt: "You help patients of Maple Dental.",
		},
		FAQ: []agentcfg.FAQEntry{
			{Question: "Opening hours?", Answer: "Mon-Fri 9:00-17:00."},
		},
	}
}

func TestAssemble_SystemPromptContent(t *testing.T) {
	messages := Assemble(testConfig(), []session.Message{
		{Role: session.RoleUser, Content: "Hallo"},
	}, 20)

	require.Len(t, messages, 2)
	sys := messages[0]
	assert.Equal(t, "system", sys.Role)
	assert.Contains(t, sys.Content, "Maple Dental Assistant")
	assert.Contains(t, sys.Content, "Warm and concise.")
	assert.Contains(t, sys.Content, `"de"`)
	assert.Contains(t, sys.Content, "Opening hours?")

	assert.Equal(t, "user", messages[1].Role)
	assert.Equal(t, "Hallo", messages[1].Content)
}

func TestAssemble_WindowKeepsMostRecent(t *testing.T) {
	var history []session.Message
	for i := 1; i <= 30; i++ {
		history = append(history, session.Message{
			Role:    session.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		})
	}

	messages := Assemble(testConfig(), history, 20)

	require.Len(t, messages, 21)
	assert.Equal(t, "message 11", messages[1].Content)
	assert.Equal(t, "message 30", messages[20].Content)
}

func TestAssemble_RoleMapping(t *testing.T) {
	messages := Assemble(testConfig(), []session.Message{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAgent, Content: "hello"},
		{Role: session.RoleSystem, Content: "approval pending"},
	}, 20)

	require.Len(t, messages, 4)
	assert.Equal(t, "user", messages[1].Role)
	assert.Equal(t, "assistant", messages[2].Role)
	assert.Equal(t, "system", messages[3].Role)
}

func TestAssemble_Deterministic(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAgent, Content: "hello"},
	}

	a := Assemble(testConfig(), history, 20)
	b := Assemble(testConfig(), history, 20)
	assert.Equal(t, a, b)
}
