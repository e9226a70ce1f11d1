// Package pipeline orchestrates one inbound message end to end: session
// resolution, admission, prompt assembly, the model call, tool-call
// governance, credit settlement, and the outbound reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steward-ai/steward/internal/admission"
	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/channel"
	"github.com/steward-ai/steward/internal/governor"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/llm"
	stewardotel "github.com/steward-ai/steward/internal/otel"
	"github.com/steward-ai/steward/internal/prompt"
	"github.com/steward-ai/steward/internal/requestctx"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/tools"
)

var tracer = stewardotel.Tracer("github.com/steward-ai/steward/internal/pipeline")

// ErrEmptyMessage is returned when the inbound text is empty after
// sanitization.
var ErrEmptyMessage = errors.New("message is empty")

// timeoutToolCall bounds each tool execution.
const timeoutToolCall = 30 * time.Second

// CreditNotifier receives low-balance warnings.
type CreditNotifier interface {
	LowCredits(ctx context.Context, tenantID string, balance float64)
}

// LowCreditThreshold is the combined balance below which a warning fires.
const LowCreditThreshold = 5.0

// Config wires the pipeline's collaborators.
type Config struct {
	Configs       *agentcfg.Registry
	Sessions      *session.Store
	Ledger        *ledger.Store
	Admission     *admission.Controller
	Invoker       *llm.Invoker
	Tools         *tools.Registry
	Approvals     *approval.Service
	Router        *channel.Router
	Notifier      CreditNotifier
	HistoryWindow int
}

// Pipeline processes inbound messages for all tenants. Turns within one
// session are serialized; distinct sessions run in parallel.
type Pipeline struct {
	cfg   Config
	locks *session.TurnLocks
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	return &Pipeline{cfg: cfg, locks: session.NewTurnLocks()}
}

// Inbound is one message arriving from a channel.
type Inbound struct {
	TenantID          string
	Channel           string
	ExternalContactID string
	Text              string
	ContactRef        string // optional CRM reference
}

// Result summarizes what one turn did.
type Result struct {
	CorrelationID   string   `json:"correlation_id"`
	SessionID       string   `json:"session_id"`
	Admitted        bool     `json:"admitted"`
	DenyReasons     []string `json:"deny_reasons,omitempty"`
	Reply           string   `json:"reply"`
	Degraded        bool     `json:"degraded,omitempty"`
	ExecutedTools   []string `json:"executed_tools,omitempty"`
	QueuedApprovals []string `json:"queued_approvals,omitempty"`
	RejectedTools   []string `json:"rejected_tools,omitempty"`
	SkippedTools    []string `json:"skipped_tools,omitempty"`
	CreditsCharged  float64  `json:"credits_charged"`
}

// Process handles one inbound message and returns what happened. A denied
// admission is not an error: the contact receives a generic reply and the
// result carries the deny reasons.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (*Result, error) {
	text := channel.SanitizeInbound(in.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	cfg, err := p.cfg.Configs.Get(in.TenantID)
	if err != nil {
		return nil, err
	}

	correlationID := "corr_" + uuid.New().String()[:12]
	ctx = requestctx.SetTenantID(ctx, in.TenantID)
	ctx = requestctx.SetCorrelationID(ctx, correlationID)

	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("tenant_id", in.TenantID),
			attribute.String("channel", in.Channel),
			attribute.String("correlation_id", correlationID),
		))
	defer span.End()

	sess, created, err := p.cfg.Sessions.FindOrCreate(ctx, in.TenantID, in.Channel, in.ExternalContactID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if created && in.ContactRef != "" {
		if err := p.cfg.Sessions.SetContactRef(ctx, sess.ID, in.ContactRef); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("contact_ref_not_set")
		}
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))

	release := p.locks.Acquire(sess.ID)
	defer release()

	result := &Result{CorrelationID: correlationID, SessionID: sess.ID}

	estimate := llm.CreditWeight(cfg.Model.Name)
	decision, err := p.cfg.Admission.Admit(ctx, cfg, estimate)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if _, err := p.cfg.Sessions.AppendMessage(ctx, sess.ID, session.RoleUser, text); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !decision.Allowed {
		result.DenyReasons = decision.Reasons
		result.Reply = unavailableReply(cfg.Language())
		p.note(ctx, sess.ID, "Message was not processed: "+strings.Join(decision.Reasons, "; "))
		p.reply(ctx, sess, result.Reply)
		if decision.Shortfall > 0 {
			p.notifyLowCredits(ctx, in.TenantID)
		}
		span.SetAttributes(attribute.Bool("admitted", false))
		return result, nil
	}
	result.Admitted = true

	history, err := p.cfg.Sessions.History(ctx, sess.ID, p.cfg.HistoryWindow)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	enabled := enabledToolNames(cfg)
	req := &llm.Request{
		Model:       cfg.Model.Name,
		Messages:    prompt.Assemble(cfg, history, p.cfg.HistoryWindow),
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Tools:       p.cfg.Tools.Definitions(enabled),
	}

	resp, err := p.cfg.Invoker.Invoke(ctx, cfg.Model.Provider, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.Reply = unavailableReply(cfg.Language())
		p.note(ctx, sess.ID, "Model call failed; a generic reply was sent.")
		p.reply(ctx, sess, result.Reply)
		return result, fmt.Errorf("model call for %s: %w", in.TenantID, err)
	}

	if tokens := int64(resp.InputTokens + resp.OutputTokens); tokens > 0 {
		if err := p.cfg.Sessions.AddTokensUsed(ctx, sess.ID, tokens); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("token_usage_not_recorded")
		}
	}

	// settle actual model usage; shortfall is recorded, never blocks the reply
	provider, _ := p.cfg.Invoker.Provider(cfg.Model.Provider)
	usage := llm.CreditCost(provider, cfg.Model.Name, resp.InputTokens, resp.OutputTokens)
	if usage > 0 {
		settlement, err := p.cfg.Ledger.Settle(ctx, in.TenantID, []ledger.SettlementItem{
			{Amount: usage, Reason: "model usage", CorrelationID: correlationID},
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(settlement.Skipped) > 0 {
			log.Warn().Str("tenant_id", in.TenantID).Float64("usage", usage).Msg("usage_not_settled")
		} else {
			result.CreditsCharged += usage
		}
	}

	p.handleToolCalls(ctx, cfg, sess, correlationID, resp.ToolCalls, result)

	result.Reply = strings.TrimSpace(resp.Content)
	if result.Reply == "" {
		result.Reply = fallbackReply(cfg.Language(), result)
	}

	if _, err := p.cfg.Sessions.AppendMessage(ctx, sess.ID, session.RoleAgent, result.Reply); err != nil {
		span.RecordError(err)
		return nil, err
	}
	p.reply(ctx, sess, result.Reply)

	p.checkLowCredits(ctx, in.TenantID)

	span.SetAttributes(
		attribute.Bool("admitted", true),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Float64("credits_charged", result.CreditsCharged),
	)
	log.Info().
		Str("tenant_id", in.TenantID).
		Str("session_id", sess.ID).
		Str("correlation_id", correlationID).
		Int("executed_tools", len(result.ExecutedTools)).
		Int("queued_approvals", len(result.QueuedApprovals)).
		Float64("credits_charged", result.CreditsCharged).
		Msg("turn_completed")
	return result, nil
}

func (p *Pipeline) handleToolCalls(ctx context.Context, cfg *agentcfg.AgentConfig, sess *session.Session, correlationID string, calls []llm.ToolCall, result *Result) {
	var planned []plannedCall
	for _, call := range calls {
		if call.Malformed() {
			result.Degraded = true
			p.note(ctx, sess.ID, fmt.Sprintf("Proposed action %q had malformed arguments and was skipped.", call.Name))
			continue
		}

		verdict := governor.Classify(cfg, call.Name)
		switch verdict.Verdict {
		case governor.VerdictReject:
			result.RejectedTools = append(result.RejectedTools, call.Name)
			p.note(ctx, sess.ID, fmt.Sprintf("Proposed action %q was rejected: %s", call.Name, verdict.Reason))

		case governor.VerdictQueue:
			req, err := p.cfg.Approvals.Request(ctx, cfg.TenantID, sess.ID, correlationID, call.Name, call.Arguments, verdict.Reason)
			if err != nil {
				log.Error().Err(err).Str("tool", call.Name).Msg("approval_request_failed")
				continue
			}
			result.QueuedApprovals = append(result.QueuedApprovals, req.ID)

		case governor.VerdictExecute:
			tool, err := p.cfg.Tools.Get(call.Name)
			if err != nil {
				result.RejectedTools = append(result.RejectedTools, call.Name)
				p.note(ctx, sess.ID, fmt.Sprintf("Proposed action %q is not available.", call.Name))
				continue
			}
			if err := tools.ValidateArguments(tool, call.Arguments); err != nil {
				result.Degraded = true
				p.note(ctx, sess.ID, fmt.Sprintf("Proposed action %q had invalid arguments and was skipped.", call.Name))
				continue
			}
			planned = append(planned, plannedCall{call: call, tool: tool, cost: tools.CreditCost(tool)})
		}
	}
	if len(planned) == 0 {
		return
	}

	// pay before running: each call settles independently, an unaffordable
	// one is skipped and cheaper ones later in the same turn may still run
	items := make([]ledger.SettlementItem, len(planned))
	for i, pc := range planned {
		items[i] = ledger.SettlementItem{Amount: pc.cost, Reason: "tool: " + pc.call.Name, CorrelationID: correlationID}
	}
	settlement, err := p.cfg.Ledger.Settle(ctx, cfg.TenantID, items)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", cfg.TenantID).Msg("tool_settlement_failed")
		return
	}

	// settled items come back in input order; consume them in lockstep
	settled := settlement.Settled
	for i, pc := range planned {
		if len(settled) > 0 && settled[0] == items[i] {
			settled = settled[1:]
			result.CreditsCharged += pc.cost
			p.runTool(ctx, sess, pc, result)
			continue
		}
		result.SkippedTools = append(result.SkippedTools, pc.call.Name)
		p.note(ctx, sess.ID, fmt.Sprintf("Action %q was skipped: not enough credits.", pc.call.Name))
	}
}

// plannedCall is a governed, validated tool call awaiting settlement.
type plannedCall struct {
	call llm.ToolCall
	tool tools.Tool
	cost float64
}

func (p *Pipeline) runTool(ctx context.Context, sess *session.Session, pc plannedCall, result *Result) {
	toolCtx, cancel := context.WithTimeout(ctx, timeoutToolCall)
	defer cancel()

	if _, err := pc.tool.Execute(toolCtx, pc.call.Arguments); err != nil {
		p.note(ctx, sess.ID, fmt.Sprintf("Action %q failed: %s.", pc.call.Name, err))
		return
	}
	result.ExecutedTools = append(result.ExecutedTools, pc.call.Name)
}

// ApprovalExecutor returns the executor used when a reviewer approves a
// queued tool call: validate, pay, run.
func (p *Pipeline) ApprovalExecutor() approval.Executor {
	return func(ctx context.Context, req *approval.Request) (string, error) {
		tool, err := p.cfg.Tools.Get(req.ToolName)
		if err != nil {
			return "", err
		}
		if err := tools.ValidateArguments(tool, req.Arguments); err != nil {
			return "", err
		}
		if _, err := p.cfg.Ledger.Debit(ctx, req.TenantID, tools.CreditCost(tool), "tool: "+req.ToolName, req.CorrelationID); err != nil {
			return "", err
		}

		toolCtx, cancel := context.WithTimeout(ctx, timeoutToolCall)
		defer cancel()
		return tool.Execute(toolCtx, req.Arguments)
	}
}

func (p *Pipeline) note(ctx context.Context, sessionID, content string) {
	if _, err := p.cfg.Sessions.AppendMessage(ctx, sessionID, session.RoleSystem, content); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("system_note_failed")
	}
}

// reply is best effort: a channel delivery failure is logged, the turn's
// transcript already holds the reply.
func (p *Pipeline) reply(ctx context.Context, sess *session.Session, text string) {
	if err := p.cfg.Router.Deliver(ctx, sess, text); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("delivery_failed")
	}
}

func (p *Pipeline) checkLowCredits(ctx context.Context, tenantID string) {
	if p.cfg.Notifier == nil {
		return
	}
	balance, err := p.cfg.Ledger.Balance(ctx, tenantID)
	if err != nil {
		return
	}
	if balance.Total() < LowCreditThreshold {
		p.cfg.Notifier.LowCredits(ctx, tenantID, balance.Total())
	}
}

// notifyLowCredits warns the tenant's operators unconditionally. Used when
// a turn was denied for a credit shortfall, where the balance already
// proved too small for the workload regardless of the warning threshold.
func (p *Pipeline) notifyLowCredits(ctx context.Context, tenantID string) {
	if p.cfg.Notifier == nil {
		return
	}
	balance, err := p.cfg.Ledger.Balance(ctx, tenantID)
	if err != nil {
		return
	}
	p.cfg.Notifier.LowCredits(ctx, tenantID, balance.Total())
}

func enabledToolNames(cfg *agentcfg.AgentConfig) []string {
	var names []string
	for _, name := range cfg.Tools.Enabled {
		if cfg.ToolEnabled(name) {
			names = append(names, name)
		}
	}
	return names
}

// unavailableReply is the generic message sent when a turn cannot be
// processed. Unknown languages fall back to English.
func unavailableReply(lang string) string {
	switch lang {
	case "de":
		return "Wir können Ihre Nachricht gerade nicht bearbeiten. Bitte versuchen Sie es später erneut."
	case "fr":
		return "Nous ne pouvons pas traiter votre message pour le moment. Veuillez réessayer plus tard."
	case "es":
		return "No podemos procesar su mensaje en este momento. Por favor, inténtelo más tarde."
	default:
		return "We can't process your message right now. Please try again later."
	}
}

// fallbackReply covers model responses that carried only tool calls.
func fallbackReply(lang string, result *Result) string {
	if len(result.QueuedApprovals) > 0 {
		switch lang {
		case "de":
			return "Ihre Anfrage wartet auf eine Freigabe. Wir melden uns in Kürze."
		default:
			return "Your request is awaiting approval. We'll follow up shortly."
		}
	}
	switch lang {
	case "de":
		return "Erledigt."
	default:
		return "Done."
	}
}
