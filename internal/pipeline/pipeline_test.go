package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/admission"
	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/channel"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/llm"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/testutil"
	"github.com/steward-ai/steward/internal/tools"
)

const tenantYAML = `agent:
  display_name: "Maple Dental Assistant"
  language: "en"
autonomy:
  level: autonomous
  require_approval_for:
    - send_invoice
tools:
  enabled:
    - list_appointments
    - book_appointment
    - send_invoice
model:
  provider: openai
  name: gpt-4o-mini
`

type env struct {
	pipe      *Pipeline
	ledger    *ledger.Store
	sessions  *session.Store
	approvals *approval.Service
	sender    *testutil.RecordingSender
}

func newTestEnv(t *testing.T, configYAML string, provider llm.Provider, toolList ...tools.Tool) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfgDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "maple-dental.agent.yaml"), []byte(configYAML), 0o600))

	configs, err := agentcfg.NewRegistry(cfgDir)
	require.NoError(t, err)

	ledgerStore, err := ledger.NewStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledgerStore.Close() })

	sessionStore, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessionStore.Close() })

	approvalStore, err := approval.NewStore(filepath.Join(dir, "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { approvalStore.Close() })
	approvals := approval.NewService(approvalStore, sessionStore, nil, 24*time.Hour)

	engine, err := admission.NewEngine(ctx)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	for _, tl := range toolList {
		registry.Register(tl)
	}

	sender := &testutil.RecordingSender{Channel: "whatsapp"}
	router := channel.NewRouter()
	router.Register(sender)

	pipe := New(Config{
		Configs:       configs,
		Sessions:      sessionStore,
		Ledger:        ledgerStore,
		Admission:     admission.NewController(engine, ledgerStore, sessionStore),
		Invoker:       llm.NewInvoker(provider),
		Tools:         registry,
		Approvals:     approvals,
		Router:        router,
		HistoryWindow: 20,
	})

	return &env{pipe: pipe, ledger: ledgerStore, sessions: sessionStore, approvals: approvals, sender: sender}
}

type recordingNotifier struct {
	balances []float64
}

func (r *recordingNotifier) LowCredits(ctx context.Context, tenantID string, balance float64) {
	r.balances = append(r.balances, balance)
}

func inbound(text string) Inbound {
	return Inbound{
		TenantID:          "maple-dental",
		Channel:           "whatsapp",
		ExternalContactID: "+4915112345678",
		Text:              text,
	}
}

func TestProcess_PlainReply(t *testing.T) {
	e := newTestEnv(t, tenantYAML, &testutil.MockProvider{ProviderName: "openai", Content: "We are open Mon-Fri."})
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("When are you open?"))
	require.NoError(t, err)

	assert.True(t, result.Admitted)
	assert.Equal(t, "We are open Mon-Fri.", result.Reply)
	assert.Equal(t, []string{"We are open Mon-Fri."}, e.sender.Messages())
	assert.Greater(t, result.CreditsCharged, 0.0)

	history, err := e.sessions.History(context.Background(), result.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, session.RoleAgent, history[1].Role)
}

func TestProcess_DeniedWithoutCredits(t *testing.T) {
	provider := &testutil.ScriptedProvider{}
	e := newTestEnv(t, tenantYAML, provider)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 0, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Hello?"))
	require.NoError(t, err)

	assert.False(t, result.Admitted)
	require.NotEmpty(t, result.DenyReasons)
	assert.Contains(t, result.DenyReasons[0], "insufficient credits")
	assert.Equal(t, 0, provider.CallCount, "no model call on denied admission")
	assert.Contains(t, e.sender.Messages()[0], "can't process your message")

	// the inbound message and the denial are both on the transcript
	history, err := e.sessions.History(context.Background(), result.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleSystem, history[1].Role)
}

func TestProcess_DeniedShortfallNotifiesOperators(t *testing.T) {
	provider := &testutil.ScriptedProvider{}
	e := newTestEnv(t, tenantYAML, provider)
	notifier := &recordingNotifier{}
	e.pipe.cfg.Notifier = notifier
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 0, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Hello?"))
	require.NoError(t, err)

	assert.False(t, result.Admitted)
	require.Len(t, notifier.balances, 1, "credit-shortfall denial must warn the operators")
	assert.Equal(t, 0.0, notifier.balances[0])
	assert.Equal(t, 0, provider.CallCount)
}

func TestProcess_RecordsSessionTokens(t *testing.T) {
	e := newTestEnv(t, tenantYAML, &testutil.MockProvider{ProviderName: "openai", Content: "Hi"})
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	first, err := e.pipe.Process(context.Background(), inbound("Hello"))
	require.NoError(t, err)
	_, err = e.pipe.Process(context.Background(), inbound("Still there?"))
	require.NoError(t, err)

	// the mock bills 10 input + 20 output tokens per call
	sess, err := e.sessions.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), sess.TokensUsed)
}

func TestProcess_SupervisedQueuesToolCall(t *testing.T) {
	supervised := `agent:
  display_name: "Helper"
autonomy:
  level: supervised
tools:
  enabled:
    - book_appointment
model:
  provider: openai
  name: gpt-4o-mini
`
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID: "call_1", Name: "book_appointment",
				Arguments:    map[string]interface{}{"date": "2026-09-03"},
				RawArguments: `{"date":"2026-09-03"}`,
			}},
		},
	}}
	book := &testutil.CannedTool{ToolName: "book_appointment", Result: "booked"}
	e := newTestEnv(t, supervised, provider, book)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Book me in for Thursday"))
	require.NoError(t, err)

	require.Len(t, result.QueuedApprovals, 1)
	assert.Empty(t, result.ExecutedTools)
	assert.Equal(t, 0, book.Calls(), "queued tool must not execute before approval")
	assert.Contains(t, result.Reply, "awaiting approval")

	// the session is handed off while a human holds the request
	sess, err := e.sessions.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusHandedOff, sess.Status)

	// approving runs the call exactly once through the pipeline executor
	approved, err := e.approvals.Approve(context.Background(), result.QueuedApprovals[0], "owner@maple", e.pipe.ApprovalExecutor())
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, approved.Status)
	assert.Equal(t, 1, book.Calls())
	assert.Equal(t, "booked", approved.Result)

	sess, err = e.sessions.Get(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestProcess_AutonomousSplitsExecuteAndQueue(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			Content:      "Booked, and the invoice needs a sign-off.",
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "book_appointment", Arguments: map[string]interface{}{}, RawArguments: "{}"},
				{ID: "call_2", Name: "send_invoice", Arguments: map[string]interface{}{}, RawArguments: "{}"},
			},
		},
	}}
	book := &testutil.CannedTool{ToolName: "book_appointment", Result: "booked"}
	invoice := &testutil.CannedTool{ToolName: "send_invoice", Result: "sent"}
	e := newTestEnv(t, tenantYAML, provider, book, invoice)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Book Thursday and invoice me"))
	require.NoError(t, err)

	assert.Equal(t, []string{"book_appointment"}, result.ExecutedTools)
	assert.Len(t, result.QueuedApprovals, 1)
	assert.Equal(t, 1, book.Calls())
	assert.Equal(t, 0, invoice.Calls())
}

func TestProcess_SettlementSkipsUnaffordableTool(t *testing.T) {
	autonomous := `agent:
  display_name: "Helper"
autonomy:
  level: autonomous
tools:
  enabled:
    - book_appointment
    - send_reminder
model:
  provider: openai
  name: gpt-4o-mini
`
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "book_appointment", Arguments: map[string]interface{}{}, RawArguments: "{}"},
				{ID: "call_2", Name: "send_reminder", Arguments: map[string]interface{}{}, RawArguments: "{}"},
			},
		},
	}}
	book := &testutil.CannedTool{ToolName: "book_appointment", Result: "booked", Credits: 2}
	remind := &testutil.CannedTool{ToolName: "send_reminder", Result: "sent", Credits: 2}
	e := newTestEnv(t, autonomous, provider, book, remind)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 3, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Book and remind me"))
	require.NoError(t, err)

	assert.Equal(t, []string{"book_appointment"}, result.ExecutedTools)
	assert.Equal(t, []string{"send_reminder"}, result.SkippedTools)
	assert.Equal(t, 1, book.Calls())
	assert.Equal(t, 0, remind.Calls(), "unaffordable tool must not run")

	balance, err := e.ledger.Balance(context.Background(), "maple-dental")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance.Total(), 0.0)
}

func TestProcess_MalformedToolCallDegrades(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			Content:      "I tried to book that.",
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "book_appointment", RawArguments: `{"date": `},
			},
		},
	}}
	book := &testutil.CannedTool{ToolName: "book_appointment"}
	e := newTestEnv(t, tenantYAML, provider, book)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Book Thursday"))
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Empty(t, result.ExecutedTools)
	assert.Equal(t, 0, book.Calls())
	assert.Equal(t, "I tried to book that.", result.Reply)
}

func TestProcess_ProviderFailureSendsGenericReply(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai", Err: errors.New("upstream 503")}
	e := newTestEnv(t, tenantYAML, provider)
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	result, err := e.pipe.Process(context.Background(), inbound("Hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProviderNotAvailable)

	require.NotNil(t, result)
	assert.Contains(t, e.sender.Messages()[0], "can't process your message")
}

func TestProcess_SessionReusedAcrossTurns(t *testing.T) {
	e := newTestEnv(t, tenantYAML, &testutil.MockProvider{ProviderName: "openai", Content: "Hi again"})
	require.NoError(t, e.ledger.Provision(context.Background(), "maple-dental", 10, 0, 1))

	first, err := e.pipe.Process(context.Background(), inbound("Hello"))
	require.NoError(t, err)
	second, err := e.pipe.Process(context.Background(), inbound("Are you there?"))
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)

	history, err := e.sessions.History(context.Background(), first.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestProcess_EmptyAfterSanitization(t *testing.T) {
	e := newTestEnv(t, tenantYAML, &testutil.MockProvider{ProviderName: "openai"})

	_, err := e.pipe.Process(context.Background(), inbound("  <p>  </p>  "))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestProcess_UnknownTenant(t *testing.T) {
	e := newTestEnv(t, tenantYAML, &testutil.MockProvider{ProviderName: "openai"})

	in := inbound("hello")
	in.TenantID = "ghost"
	_, err := e.pipe.Process(context.Background(), in)
	assert.ErrorIs(t, err, agentcfg.ErrTenantNotConfigured)
}
