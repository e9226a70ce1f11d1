package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steward-ai/steward/internal/agentcfg"
)

func configWith(level string, requireApproval ...string) *agentcfg.AgentConfig {
	return &agentcfg.AgentConfig{
		Tools: agentcfg.ToolsConfig{
			Enabled:  []string{"list_appointments", "book_appointment", "send_invoice"},
			Disabled: []string{"delete_contact"},
		},
		Autonomy: agentcfg.AutonomyConfig{
			Level:              level,
			RequireApprovalFor: requireApproval,
		},
	}
}

func TestClassify_DisabledToolRejectedAtEveryLevel(t *testing.T) {
	for _, level := range []string{
		agentcfg.AutonomyDraftOnly,
		agentcfg.AutonomySupervised,
		agentcfg.AutonomyAutonomous,
	} {
		d := Classify(configWith(level), "delete_contact")
		assert.Equal(t, VerdictReject, d.Verdict, "level %s", level)
		assert.Contains(t, d.Reason, "not enabled")
	}
}

func TestClassify_UnlistedToolRejected(t *testing.T) {
	d := Classify(configWith(agentcfg.AutonomyAutonomous), "wire_transfer")
	assert.Equal(t, VerdictReject, d.Verdict)
}

func TestClassify_DraftOnly(t *testing.T) {
	cfg := configWith(agentcfg.AutonomyDraftOnly)

	d := Classify(cfg, "list_appointments")
	assert.Equal(t, VerdictExecute, d.Verdict)

	d = Classify(cfg, "book_appointment")
	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Contains(t, d.Reason, "read-only")
}

func TestClassify_SupervisedQueuesEverything(t *testing.T) {
	cfg := configWith(agentcfg.AutonomySupervised)

	for _, tool := range []string{"list_appointments", "book_appointment", "send_invoice"} {
		d := Classify(cfg, tool)
		assert.Equal(t, VerdictQueue, d.Verdict, "tool %s", tool)
	}
}

func TestClassify_AutonomousWithApprovalList(t *testing.T) {
	cfg := configWith(agentcfg.AutonomyAutonomous, "send_invoice")

	d := Classify(cfg, "book_appointment")
	assert.Equal(t, VerdictExecute, d.Verdict)

	d = Classify(cfg, "send_invoice")
	assert.Equal(t, VerdictQueue, d.Verdict)
	assert.Contains(t, d.Reason, "requires approval")
}

func TestClassify_UnknownLevelFailsClosed(t *testing.T) {
	cfg := configWith("experimental")

	d := Classify(cfg, "book_appointment")
	assert.Equal(t, VerdictReject, d.Verdict)
}
