// Package config holds OPERATOR-LEVEL configuration for a steward
// installation.
//
// This is infrastructure config set by whoever deploys the process, NOT
// tenant configuration. The boundary is:
//
//   - Operator config (this package): data directory, agent-config directory,
//     provider API keys, notification webhook, listen address. Set via env
//     vars (STEWARD_*) or config file (steward.config.yaml).
//
//   - Tenant config: agent identity, autonomy level, tool policy, spend caps.
//     One YAML document per tenant under the agent-config directory, loaded
//     by internal/agentcfg.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the STEWARD_ prefix
// (e.g. "data_dir" -> STEWARD_DATA_DIR) and to a YAML field in
// steward.config.yaml.
const (
	KeyDataDir          = "data_dir"
	KeyAgentConfigDir   = "agent_config_dir"
	KeyListenAddr       = "listen_addr"
	KeyOpenAIAPIKey     = "openai_api_key"
	KeyAnthropicAPIKey  = "anthropic_api_key"
	KeyNotifyWebhookURL = "notify_webhook_url"
	KeyApprovalTTLHours = "approval_ttl_hours"
	KeyHistoryWindow    = "history_window"
)

// Defaults for non-credential settings.
const (
	DefaultListenAddr       = ":8080"
	DefaultApprovalTTLHours = 24
	DefaultHistoryWindow    = 20
)

// Config holds resolved operator-level configuration for a steward process.
type Config struct {
	DataDir          string // base directory for all SQLite state (~/.steward)
	AgentConfigDir   string // directory of per-tenant <tenant>.agent.yaml files
	ListenAddr       string // HTTP listen address
	OpenAIAPIKey     string // operator fallback key for the OpenAI provider
	AnthropicAPIKey  string // operator fallback key for the Anthropic provider
	NotifyWebhookURL string // optional webhook for tenant notifications
	ApprovalTTLHours int    // pending approvals expire after this many hours
	HistoryWindow    int    // messages of history included in each prompt
}

// LedgerDBPath returns the full path to the credit ledger SQLite database.
func (c *Config) LedgerDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// SessionsDBPath returns the full path to the sessions SQLite database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// ApprovalsDBPath returns the full path to the approvals SQLite database.
func (c *Config) ApprovalsDBPath() string {
	return filepath.Join(c.DataDir, "approvals.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("STEWARD")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyApprovalTTLHours, DefaultApprovalTTLHours)
	viper.SetDefault(KeyHistoryWindow, DefaultHistoryWindow)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		AgentConfigDir:   viper.GetString(KeyAgentConfigDir),
		ListenAddr:       viper.GetString(KeyListenAddr),
		OpenAIAPIKey:     viper.GetString(KeyOpenAIAPIKey),
		AnthropicAPIKey:  viper.GetString(KeyAnthropicAPIKey),
		NotifyWebhookURL: viper.GetString(KeyNotifyWebhookURL),
		ApprovalTTLHours: viper.GetInt(KeyApprovalTTLHours),
		HistoryWindow:    viper.GetInt(KeyHistoryWindow),
	}

	if cfg.AgentConfigDir == "" {
		cfg.AgentConfigDir = filepath.Join(cfg.DataDir, "agents")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func (c *Config) validate() error {
	if c.ApprovalTTLHours <= 0 {
		return fmt.Errorf("approval_ttl_hours must be positive")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be positive")
	}
	return nil
}
