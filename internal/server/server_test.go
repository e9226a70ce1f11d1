package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/steward-ai/steward/internal/pipeline"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/testutil"
	"github.com/steward-ai/steward/internal/tools"
)

const testAgentYAML = `agent:
  display_name: "Maple Dental Assistant"
autonomy:
  level: supervised
tools:
  enabled:
    - book_appointment
model:
  provider: openai
  name: gpt-4o-mini
`

var testKeys = map[string]string{
	"admin-key":  AdminTenant,
	"tenant-key": "maple-dental",
	"other-key":  "other-tenant",
}

type testServer struct {
	handler  http.Handler
	ledger   *ledger.Store
	sessions *session.Store
	srv      *Server
}

func newTestServer(t *testing.T, provider llm.Provider, opts []Option, toolList ...tools.Tool) *testServer {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfgDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "maple-dental.agent.yaml"), []byte(testAgentYAML), 0o600))

	configs, err := agentcfg.NewRegistry(cfgDir)
	require.NoError(t, err)

	ledgerStore, err := ledger.NewStore(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledgerStore.Close() })
	require.NoError(t, ledgerStore.Provision(ctx, "maple-dental", 10, 0, 1))

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

	router := channel.NewRouter()
	router.Register(&testutil.RecordingSender{Channel: "whatsapp"})

	pipe := pipeline.New(pipeline.Config{
		Configs:   configs,
		Sessions:  sessionStore,
		Ledger:    ledgerStore,
		Admission: admission.NewController(engine, ledgerStore, sessionStore),
		Invoker:   llm.NewInvoker(provider),
		Tools:     registry,
		Approvals: approvals,
		Router:    router,
	})

	srv := NewServer(pipe, approvals, pipe.ApprovalExecutor(), ledgerStore, sessionStore, configs, testKeys, opts...)
	return &testServer{handler: srv.Routes(), ledger: ledgerStore, sessions: sessionStore, srv: srv}
}

func doJSON(t *testing.T, handler http.Handler, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-Steward-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func inboundBody(text string) map[string]string {
	return map[string]string{
		"tenant_id":           "maple-dental",
		"channel":             "whatsapp",
		"external_contact_id": "+4915112345678",
		"text":                text,
	}
}

func TestHealth_Unauthenticated(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestInbound_RequiresAuth(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "", inboundBody("hello"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])
}

func TestInbound_PlainReply(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "We are open Mon-Fri."}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("When are you open?"))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, true, out["admitted"])
	assert.Equal(t, "We are open Mon-Fri.", out["reply"])
	assert.NotEmpty(t, out["session_id"])
}

func TestInbound_UnknownTenant(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	body := inboundBody("hello")
	body["tenant_id"] = "ghost"
	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "admin-key", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tenant_not_found", decode(t, rec)["error"])
}

func TestInbound_EmptyText(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("  <p>  </p>  "))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInbound_KeyScopedToOtherTenant(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "other-key", inboundBody("hello"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovals_ListApproveReplay(t *testing.T) {
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
	ts := newTestServer(t, provider, nil, book)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("Book me in"))
	require.Equal(t, http.StatusOK, rec.Code)
	queued, ok := decode(t, rec)["queued_approvals"].([]interface{})
	require.True(t, ok)
	require.Len(t, queued, 1)
	id := queued[0].(string)

	rec = doJSON(t, ts.handler, http.MethodGet, "/v1/approvals", "tenant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/approvals/"+id+"/approve", "tenant-key",
		map[string]string{"reviewed_by": "owner@maple"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, approval.StatusApproved, out["status"])
	assert.Equal(t, "booked", out["result"])
	assert.Equal(t, 1, book.Calls())

	// a second approval is a no-op replay of the stored result
	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/approvals/"+id+"/approve", "tenant-key",
		map[string]string{"reviewed_by": "owner@maple"})
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, approval.StatusApproved, out["status"])
	assert.Equal(t, "booked", out["result"])
	assert.Equal(t, 1, book.Calls())

	// rejecting an approved request still conflicts
	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/approvals/"+id+"/reject", "tenant-key",
		map[string]string{"reviewed_by": "owner@maple", "reason": "changed my mind"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovals_RejectLeavesToolUnrun(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID: "call_1", Name: "book_appointment",
				Arguments: map[string]interface{}{}, RawArguments: "{}",
			}},
		},
	}}
	book := &testutil.CannedTool{ToolName: "book_appointment", Result: "booked"}
	ts := newTestServer(t, provider, nil, book)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("Book me in"))
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decode(t, rec)["queued_approvals"].([]interface{})
	id := queued[0].(string)

	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/approvals/"+id+"/reject", "tenant-key",
		map[string]string{"reviewed_by": "owner@maple", "reason": "wrong slot"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, approval.StatusRejected, decode(t, rec)["status"])
	assert.Equal(t, 0, book.Calls())
}

func TestApprovals_ScopedKeyCannotReviewForeignTenant(t *testing.T) {
	provider := &testutil.ScriptedProvider{Responses: []*llm.Response{
		{
			FinishReason: "tool_calls",
			ToolCalls: []llm.ToolCall{{
				ID: "call_1", Name: "book_appointment",
				Arguments: map[string]interface{}{}, RawArguments: "{}",
			}},
		},
	}}
	ts := newTestServer(t, provider, nil, &testutil.CannedTool{ToolName: "book_appointment"})

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("Book me in"))
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decode(t, rec)["queued_approvals"].([]interface{})
	id := queued[0].(string)

	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/approvals/"+id+"/approve", "other-key",
		map[string]string{"reviewed_by": "stranger"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUsage_BalanceAndHistory(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)
	require.NoError(t, ts.ledger.TopUp(context.Background(), "maple-dental", 25, "launch package"))

	rec := doJSON(t, ts.handler, http.MethodGet, "/v1/usage/maple-dental", "tenant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, float64(35), out["total"])
	txns, ok := out["transactions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, txns, 1)
}

func TestUsage_UnknownTenant(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodGet, "/v1/usage/ghost", "admin-key", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTopUp_AdminOnly(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/ledger/maple-dental/topup", "tenant-key",
		map[string]interface{}{"amount": 50})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/ledger/maple-dental/topup", "admin-key",
		map[string]interface{}{"amount": 50, "reason": "launch package"})
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode(t, rec)["balance"].(map[string]interface{})
	assert.Equal(t, float64(50), balance["purchased"])
}

func TestTopUp_NonPositiveAmount(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/ledger/maple-dental/topup", "admin-key",
		map[string]interface{}{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProvision_CreatesLedger(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/ledger/new-tenant/provision", "admin-key",
		map[string]interface{}{"daily_allowance": 20, "monthly_allowance": 200, "anchor_day": 15})
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode(t, rec)["balance"].(map[string]interface{})
	assert.Equal(t, float64(20), balance["daily"])
	assert.Equal(t, float64(200), balance["monthly"])
}

func TestSessions_ListAndHistory(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hello there"}, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/messages/inbound", "tenant-key", inboundBody("hi"))
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decode(t, rec)["session_id"].(string)

	rec = doJSON(t, ts.handler, http.MethodGet, "/v1/sessions?tenant=maple-dental", "tenant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = doJSON(t, ts.handler, http.MethodGet, "/v1/sessions/"+sessionID+"/history", "tenant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode(t, rec)["messages"].([]interface{})
	assert.Len(t, messages, 2)

	rec = doJSON(t, ts.handler, http.MethodGet, "/v1/sessions/"+sessionID+"/history", "other-key", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatus_ReportsTenantsAndPending(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"}, []Option{WithVersion("1.2.3")})

	rec := doJSON(t, ts.handler, http.MethodGet, "/v1/status", "admin-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "1.2.3", out["version"])
	assert.Equal(t, float64(1), out["tenants"])
	assert.Equal(t, float64(0), out["pending_approvals"])
}

func TestRateLimit_SecondRequestRejected(t *testing.T) {
	ts := newTestServer(t, &testutil.MockProvider{ProviderName: "openai", Content: "hi"},
		[]Option{WithRateLimiter(NewRateLimiter(1, 1))})

	rec := doJSON(t, ts.handler, http.MethodGet, "/v1/status", "tenant-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ts.handler, http.MethodGet, "/v1/status", "tenant-key", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
