package agentcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const configSuffix = ".agent.yaml"

// Load reads, validates, and parses a single agent config file. The tenant id
// is derived from the file name (<tenant>.agent.yaml).
func Load(path string) (*AgentConfig, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, configSuffix) {
		return nil, fmt.Errorf("agent config file must be named <tenant>%s, got %q", configSuffix, base)
	}
	tenantID := strings.TrimSuffix(base, configSuffix)
	if tenantID == "" {
		return nil, fmt.Errorf("agent config file %q has empty tenant id", base)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}

	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("agent config %q: %w", tenantID, err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config %q: %w", tenantID, err)
	}

	cfg.TenantID = tenantID
	cfg.ComputeHash(content)
	applyDefaults(&cfg)

	return &cfg, nil
}

// Registry holds the loaded agent configs for all tenants. Safe for
// concurrent use; Reload swaps the whole set atomically.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	configs map[string]*AgentConfig
}

// NewRegistry creates a registry backed by the given config directory and
// performs the initial load. Individual invalid documents are logged and
// skipped so one broken tenant cannot take down the rest.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, configs: make(map[string]*AgentConfig)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every <tenant>.agent.yaml under the registry directory.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read agent config dir: %w", err)
	}

	configs := make(map[string]*AgentConfig)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), configSuffix) {
			continue
		}
		cfg, err := Load(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			log.Error().Err(err).Str("file", entry.Name()).Msg("agent_config_load_failed")
			continue
		}
		configs[cfg.TenantID] = cfg
		log.Debug().
			Str("tenant_id", cfg.TenantID).
			Str("autonomy", cfg.Autonomy.Level).
			Str("model", cfg.Model.Name).
			Msg("agent_config_loaded")
	}

	r.mu.Lock()
	r.configs = configs
	r.mu.Unlock()

	log.Info().Int("tenants", len(configs)).Msg("agent_configs_reloaded")
	return nil
}

// Get returns the config for a tenant, or ErrTenantNotConfigured.
func (r *Registry) Get(tenantID string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConfigured, tenantID)
	}
	return cfg, nil
}

// TenantIDs returns the ids of all configured tenants, for sweeps and CLI
// listings.
func (r *Registry) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	return ids
}
