package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/otel"
	"github.com/steward-ai/steward/internal/pipeline"
	"github.com/steward-ai/steward/internal/session"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	pipeline    *pipeline.Pipeline
	approvals   *approval.Service
	executor    approval.Executor
	ledgerStore *ledger.Store
	sessions    *session.Store
	configs     *agentcfg.Registry
	apiKeys     map[string]string
	rateLimiter *RateLimiter
	corsOrigins []string
	version     string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the per-tenant request rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by /v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server with the required dependencies and optional Option(s).
// executor is the approval executor wired to the pipeline, so an approved
// request runs the exact validate-pay-execute path the pipeline itself uses.
func NewServer(
	pipe *pipeline.Pipeline,
	approvals *approval.Service,
	executor approval.Executor,
	ledgerStore *ledger.Store,
	sessions *session.Store,
	configs *agentcfg.Registry,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		pipeline:    pipe,
		approvals:   approvals,
		executor:    executor,
		ledgerStore: ledgerStore,
		sessions:    sessions,
		configs:     configs,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		version:     "dev",
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/messages/inbound", s.handleInbound)

		r.Get("/v1/approvals", s.handleApprovalsList)
		r.Get("/v1/approvals/{id}", s.handleApprovalGet)
		r.Post("/v1/approvals/{id}/approve", s.handleApprovalApprove)
		r.Post("/v1/approvals/{id}/reject", s.handleApprovalReject)

		r.Get("/v1/usage/{tenant}", s.handleUsage)
		r.Post("/v1/ledger/{tenant}/provision", s.handleProvision)
		r.Post("/v1/ledger/{tenant}/topup", s.handleTopUp)

		r.Get("/v1/sessions", s.handleSessionsList)
		r.Get("/v1/sessions/{id}/history", s.handleSessionHistory)

		r.Get("/v1/status", s.handleStatus)
	})

	return r
}
