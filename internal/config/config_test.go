package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// restoreDefaults undoes per-test viper.Set calls. viper.Reset would also
// discard the defaults registered in init(), so values are put back explicitly.
func restoreDefaults(t *testing.T) {
	t.Cleanup(func() {
		viper.Set(KeyDataDir, "")
		viper.Set(KeyAgentConfigDir, "")
		viper.Set(KeyListenAddr, DefaultListenAddr)
		viper.Set(KeyApprovalTTLHours, DefaultApprovalTTLHours)
		viper.Set(KeyHistoryWindow, DefaultHistoryWindow)
	})
}

func TestLoad_Defaults(t *testing.T) {
	restoreDefaults(t)
	viper.Set(KeyDataDir, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultApprovalTTLHours, cfg.ApprovalTTLHours)
	assert.Equal(t, DefaultHistoryWindow, cfg.HistoryWindow)
	assert.Equal(t, filepath.Join(cfg.DataDir, "agents"), cfg.AgentConfigDir)
}

func TestLoad_DBPaths(t *testing.T) {
	restoreDefaults(t)
	dir := t.TempDir()
	viper.Set(KeyDataDir, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.LedgerDBPath())
	assert.Equal(t, filepath.Join(dir, "sessions.db"), cfg.SessionsDBPath())
	assert.Equal(t, filepath.Join(dir, "approvals.db"), cfg.ApprovalsDBPath())
}

func TestLoad_InvalidTTL(t *testing.T) {
	restoreDefaults(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeyApprovalTTLHours, -1)

	_, err := Load()
	assert.Error(t, err)
}
