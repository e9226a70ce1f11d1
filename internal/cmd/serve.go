package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/steward-ai/steward/internal/admission"
	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/channel"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/llm"
	"github.com/steward-ai/steward/internal/notify"
	"github.com/steward-ai/steward/internal/pipeline"
	"github.com/steward-ai/steward/internal/server"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/sweep"
	"github.com/steward-ai/steward/internal/tools"
)

var (
	serveAddr      string
	serveRateLimit float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the steward server with the HTTP API and maintenance sweeps",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 10, "requests per second per tenant (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant_id from STEWARD_API_KEYS
// (comma-separated; each entry key:tenant_id, or key alone for an admin key).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := server.AdminTenant
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

func buildProviders(cfg *config.Config) []llm.Provider {
	var providers []llm.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	return providers
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configs, err := agentcfg.NewRegistry(cfg.AgentConfigDir)
	if err != nil {
		return fmt.Errorf("loading agent configs: %w", err)
	}

	ledgerStore, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer ledgerStore.Close()

	sessionStore, err := session.NewStore(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("initializing sessions: %w", err)
	}
	defer sessionStore.Close()

	approvalStore, err := approval.NewStore(cfg.ApprovalsDBPath())
	if err != nil {
		return fmt.Errorf("initializing approvals: %w", err)
	}
	defer approvalStore.Close()

	engine, err := admission.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("admission engine: %w", err)
	}

	providers := buildProviders(cfg)
	if len(providers) == 0 {
		log.Warn().Msg("no provider API keys configured — model calls will fail until STEWARD_OPENAI_API_KEY or STEWARD_ANTHROPIC_API_KEY is set")
	}
	invoker := llm.NewInvoker(providers...)

	webhook := notify.NewWebhook(cfg.NotifyWebhookURL)
	ttl := time.Duration(cfg.ApprovalTTLHours) * time.Hour
	approvals := approval.NewService(approvalStore, sessionStore, webhook, ttl)

	toolRegistry := tools.NewRegistry()

	// Log senders stand in until real channel adapters are wired up.
	router := channel.NewRouter()
	for _, name := range []string{"whatsapp", "sms", "email", "web"} {
		router.Register(&channel.LogSender{Channel: name})
	}

	pipe := pipeline.New(pipeline.Config{
		Configs:       configs,
		Sessions:      sessionStore,
		Ledger:        ledgerStore,
		Admission:     admission.NewController(engine, ledgerStore, sessionStore),
		Invoker:       invoker,
		Tools:         toolRegistry,
		Approvals:     approvals,
		Router:        router,
		Notifier:      webhook,
		HistoryWindow: cfg.HistoryWindow,
	})

	scheduler := sweep.NewScheduler(approvals, ledgerStore, configs)
	if err := scheduler.Register(); err != nil {
		return fmt.Errorf("registering sweeps: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("STEWARD_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("STEWARD_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		pipe,
		approvals,
		pipe.ApprovalExecutor(),
		ledgerStore,
		sessionStore,
		configs,
		apiKeys,
		server.WithRateLimiter(server.NewRateLimiter(serveRateLimit, int(2*serveRateLimit))),
		server.WithVersion(resolvedVersion()),
	)

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("tenants", len(configs.TenantIDs())).
		Int("cron_entries", scheduler.Entries()).
		Msg("steward_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
