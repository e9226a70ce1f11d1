// Package governor decides what happens to each tool call the model
// proposes: execute it now, queue it for human approval, or reject it.
//
// The decision is a pure function of the tenant's agent config and the tool
// name. Tool policy is checked before autonomy, so a disabled tool is
// rejected even under autonomous mode.
package governor

import (
	"fmt"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/tools"
)

// Verdict is the outcome class for a proposed tool call.
type Verdict string

const (
	// VerdictExecute runs the tool immediately.
	VerdictExecute Verdict = "execute"
	// VerdictQueue creates an approval request and defers execution.
	VerdictQueue Verdict = "queue"
	// VerdictReject drops the tool call.
	VerdictReject Verdict = "reject"
)

// Decision is a classified tool call.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Classify returns the verdict for a proposed tool call under the tenant's
// tool policy and autonomy level.
func Classify(cfg *agentcfg.AgentConfig, toolName string) Decision {
	if !cfg.ToolEnabled(toolName) {
		return Decision{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("tool %q is not enabled for this tenant", toolName),
		}
	}

	switch cfg.Autonomy.Level {
	case agentcfg.AutonomyDraftOnly:
		if tools.IsReadOnly(toolName) {
			return Decision{Verdict: VerdictExecute}
		}
		return Decision{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("autonomy level draft_only permits only read-only tools, not %q", toolName),
		}

	case agentcfg.AutonomySupervised:
		return Decision{
			Verdict: VerdictQueue,
			Reason:  "autonomy level supervised queues every tool call for approval",
		}

	case agentcfg.AutonomyAutonomous:
		if cfg.RequiresApproval(toolName) {
			return Decision{
				Verdict: VerdictQueue,
				Reason:  fmt.Sprintf("tool %q requires approval for this tenant", toolName),
			}
		}
		return Decision{Verdict: VerdictExecute}

	default:
		// unknown level fails closed
		return Decision{
			Verdict: VerdictReject,
			Reason:  fmt.Sprintf("unknown autonomy level %q", cfg.Autonomy.Level),
		}
	}
}
