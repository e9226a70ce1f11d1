package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResetDaily refills the tenant's daily pool to its allowance if the last
// daily reset happened before today (UTC). Idempotent: running it twice in
// one day performs one refill. Returns whether a reset occurred.
func (s *Store) ResetDaily(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.reset_daily",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	res, err := s.db.ExecContext(ctx,
		`UPDATE ledgers SET daily = daily_allowance, daily_reset_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND daily_reset_at < ?`,
		now, now, tenantID, dayStart,
	)
	if err != nil {
		return false, fmt.Errorf("resetting daily pool: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	var allowance float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT daily_allowance FROM ledgers WHERE tenant_id = ?`, tenantID,
	).Scan(&allowance); err != nil {
		return true, fmt.Errorf("reading daily allowance: %w", err)
	}

	if err := s.appendTxn(ctx, s.db, Transaction{
		TenantID:  tenantID,
		Type:      TxnResetDaily,
		Amount:    allowance,
		Breakdown: Breakdown{Daily: allowance},
		Reason:    "daily allowance refill",
		CreatedAt: now,
	}); err != nil {
		return true, err
	}

	log.Info().Str("tenant_id", tenantID).Float64("allowance", allowance).Msg("ledger_daily_reset")
	return true, nil
}

// ResetMonthly refills the tenant's monthly pool to its allowance once per
// billing period. The period starts on the tenant's anchor day. Idempotent
// within a period. Returns whether a reset occurred.
func (s *Store) ResetMonthly(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "ledger.reset_monthly",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	now = now.UTC()

	var anchorDay int
	err := s.db.QueryRowContext(ctx,
		`SELECT anchor_day FROM ledgers WHERE tenant_id = ?`, tenantID,
	).Scan(&anchorDay)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}

	start := periodStart(now, anchorDay)

	res, err := s.db.ExecContext(ctx,
		`UPDATE ledgers SET monthly = monthly_allowance, monthly_reset_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND monthly_reset_at < ?`,
		now, now, tenantID, start,
	)
	if err != nil {
		return false, fmt.Errorf("resetting monthly pool: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	var allowance float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT monthly_allowance FROM ledgers WHERE tenant_id = ?`, tenantID,
	).Scan(&allowance); err != nil {
		return true, fmt.Errorf("reading monthly allowance: %w", err)
	}

	if err := s.appendTxn(ctx, s.db, Transaction{
		TenantID:  tenantID,
		Type:      TxnResetMonthly,
		Amount:    allowance,
		Breakdown: Breakdown{Monthly: allowance},
		Reason:    "monthly allowance refill",
		CreatedAt: now,
	}); err != nil {
		return true, err
	}

	log.Info().Str("tenant_id", tenantID).Float64("allowance", allowance).Msg("ledger_monthly_reset")
	return true, nil
}

// periodStart returns the start of the billing period containing now for a
// ledger anchored on anchorDay (1-28, so it exists in every month).
func periodStart(now time.Time, anchorDay int) time.Time {
	year, month := now.Year(), now.Month()
	if now.Day() < anchorDay {
		month--
		if month < time.January {
			month = time.December
			year--
		}
	}
	return time.Date(year, month, anchorDay, 0, 0, 0, 0, time.UTC)
}
