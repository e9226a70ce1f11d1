// Package sweep runs the periodic maintenance jobs: expiring stale
// approvals and refilling daily and monthly credit pools. Every job is
// idempotent, so overlapping or repeated runs are harmless.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/approval"
)

// timeoutSweepJob bounds one run of any sweep job.
const timeoutSweepJob = 5 * time.Minute

// Cron expressions in standard 5-field format.
const (
	// scheduleExpiry sweeps stale approvals at the top of every hour.
	scheduleExpiry = "0 * * * *"
	// scheduleResets refills pools shortly after midnight UTC.
	scheduleResets = "5 0 * * *"
)

// ApprovalSweeper expires overdue pending approvals.
type ApprovalSweeper interface {
	ExpireStale(ctx context.Context, now time.Time) ([]*approval.Request, error)
}

// LedgerResetter refills a tenant's pools when its period rolled over.
type LedgerResetter interface {
	ResetDaily(ctx context.Context, tenantID string, now time.Time) (bool, error)
	ResetMonthly(ctx context.Context, tenantID string, now time.Time) (bool, error)
}

// TenantLister enumerates configured tenants.
type TenantLister interface {
	TenantIDs() []string
}

// Scheduler owns the cron entries for all maintenance jobs.
type Scheduler struct {
	cron      *cron.Cron
	approvals ApprovalSweeper
	ledgers   LedgerResetter
	tenants   TenantLister
}

// NewScheduler creates a scheduler over the approval queue and the ledger.
func NewScheduler(approvals ApprovalSweeper, ledgers LedgerResetter, tenants TenantLister) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		approvals: approvals,
		ledgers:   ledgers,
		tenants:   tenants,
	}
}

// Register adds the cron entries. The daily reset job also runs monthly
// resets; the ledger itself decides per tenant whether an anchor day passed.
func (s *Scheduler) Register() error {
	if _, err := s.cron.AddFunc(scheduleExpiry, func() { s.RunExpiry(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("registering expiry sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(scheduleResets, func() { s.RunResets(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("registering reset sweep: %w", err)
	}
	return nil
}

// RunExpiry performs one approval expiry sweep.
func (s *Scheduler) RunExpiry(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutSweepJob)
	defer cancel()

	expired, err := s.approvals.ExpireStale(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("approval_sweep_failed")
		return
	}
	log.Info().Int("expired", len(expired)).Msg("approval_sweep_completed")
}

// RunResets refills pools for every configured tenant.
func (s *Scheduler) RunResets(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutSweepJob)
	defer cancel()

	var daily, monthly int
	for _, tenantID := range s.tenants.TenantIDs() {
		reset, err := s.ledgers.ResetDaily(ctx, tenantID, now)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("daily_reset_failed")
		} else if reset {
			daily++
		}

		reset, err = s.ledgers.ResetMonthly(ctx, tenantID, now)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("monthly_reset_failed")
		} else if reset {
			monthly++
		}
	}
	log.Info().Int("daily", daily).Int("monthly", monthly).Msg("ledger_reset_sweep_completed")
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
