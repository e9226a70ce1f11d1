package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/server"
)

func TestParseAPIKeys(t *testing.T) {
	keys := parseAPIKeys("adminkey, tenantkey:maple-dental ,other:acme")
	assert.Equal(t, map[string]string{
		"adminkey":  server.AdminTenant,
		"tenantkey": "maple-dental",
		"other":     "acme",
	}, keys)

	assert.Empty(t, parseAPIKeys(""))
}

func TestRenderApprovals(t *testing.T) {
	var buf bytes.Buffer
	renderApprovals(&buf, nil)
	assert.Contains(t, buf.String(), "No pending approvals")

	buf.Reset()
	renderApprovals(&buf, []*approval.Request{
		{
			ID:        "apr_123",
			TenantID:  "maple-dental",
			ToolName:  "send_invoice",
			Reason:    "requires approval",
			ExpiresAt: time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC),
		},
	})
	out := buf.String()
	assert.Contains(t, out, "apr_123")
	assert.Contains(t, out, "send_invoice")
	assert.Contains(t, out, "1 pending")
}

func TestRenderBalance(t *testing.T) {
	var buf bytes.Buffer
	renderBalance(&buf, "maple-dental", ledger.Balance{Daily: 10, Monthly: 50, Purchased: 2.5})
	out := buf.String()
	assert.Contains(t, out, "maple-dental")
	assert.Contains(t, out, "62.50")
}

func TestRenderTransactions(t *testing.T) {
	var buf bytes.Buffer
	renderTransactions(&buf, nil)
	assert.Contains(t, buf.String(), "No transactions")

	buf.Reset()
	renderTransactions(&buf, []ledger.Transaction{
		{Type: ledger.TxnTopUp, Amount: 25, Reason: "launch package", CreatedAt: time.Now().UTC()},
	})
	assert.Contains(t, buf.String(), "topup")
	assert.Contains(t, buf.String(), "launch package")
}

func TestOpenStores_UseConfiguredDataDir(t *testing.T) {
	dir := t.TempDir()
	viper.Set(config.KeyDataDir, dir)
	t.Cleanup(func() { viper.Set(config.KeyDataDir, "") })

	ledgerStore, err := openLedgerStore()
	require.NoError(t, err)
	require.NoError(t, ledgerStore.Close())

	approvalStore, err := openApprovalStore()
	require.NoError(t, err)
	require.NoError(t, approvalStore.Close())
}
