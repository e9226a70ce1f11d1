package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/ledger"
)

// BalanceReader is the ledger surface the controller needs.
type BalanceReader interface {
	Balance(ctx context.Context, tenantID string) (ledger.Balance, error)
	SpentSince(ctx context.Context, tenantID string, from time.Time) (float64, error)
}

// InboundCounter is the session-store surface the controller needs.
type InboundCounter interface {
	CountInboundSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// Controller assembles the admission input for a turn from the ledger and
// session stores and evaluates it.
type Controller struct {
	engine   *Engine
	balances BalanceReader
	inbound  InboundCounter
}

// NewController wires the admission engine to its data sources.
func NewController(engine *Engine, balances BalanceReader, inbound InboundCounter) *Controller {
	return &Controller{engine: engine, balances: balances, inbound: inbound}
}

// Admit decides whether a turn for the tenant may proceed given its
// estimated cost. Daily windows start at midnight UTC.
func (c *Controller) Admit(ctx context.Context, cfg *agentcfg.AgentConfig, estimatedCost float64) (*Decision, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	balance, err := c.balances.Balance(ctx, cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("reading balance for admission: %w", err)
	}

	spent, err := c.balances.SpentSince(ctx, cfg.TenantID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("reading daily spend for admission: %w", err)
	}

	messages, err := c.inbound.CountInboundSince(ctx, cfg.TenantID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("counting daily messages for admission: %w", err)
	}

	decision, err := c.engine.Evaluate(ctx, Input{
		TenantID:        cfg.TenantID,
		EstimatedCost:   estimatedCost,
		BalanceTotal:    balance.Total(),
		MessagesToday:   messages,
		DailyMessageCap: cfg.Limits.DailyMessageCap,
		SpentToday:      spent,
		DailyCostCap:    cfg.Limits.DailyCostCap,
	})
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		log.Warn().
			Str("tenant_id", cfg.TenantID).
			Strs("reasons", decision.Reasons).
			Float64("shortfall", decision.Shortfall).
			Msg("admission_denied")
	}
	return decision, nil
}
