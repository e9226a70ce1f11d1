package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Debit atomically deducts amount from the tenant's pools in daily ->
// monthly -> purchased order. If the combined balance cannot cover the
// full amount, nothing is deducted and ErrInsufficientCredits is returned.
func (s *Store) Debit(ctx context.Context, tenantID string, amount float64, reason, correlationID string) (Breakdown, error) {
	ctx, span := tracer.Start(ctx, "ledger.debit",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Float64("amount", amount),
		))
	defer span.End()

	if amount <= 0 {
		return Breakdown{}, ErrNonPositiveAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Breakdown{}, fmt.Errorf("beginning debit transaction: %w", err)
	}
	defer tx.Rollback()

	var b Balance
	err = tx.QueryRowContext(ctx,
		`SELECT daily, monthly, purchased FROM ledgers WHERE tenant_id = ?`, tenantID,
	).Scan(&b.Daily, &b.Monthly, &b.Purchased)
	if err == sql.ErrNoRows {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}
	if err != nil {
		return Breakdown{}, fmt.Errorf("reading balance for debit: %w", err)
	}

	if b.Total() < amount {
		span.SetAttributes(attribute.Bool("insufficient", true))
		return Breakdown{}, fmt.Errorf("%w: need %.4f, have %.4f", ErrInsufficientCredits, amount, b.Total())
	}

	bd := split(b, amount)
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE ledgers SET daily = daily - ?, monthly = monthly - ?, purchased = purchased - ?, updated_at = ?
		 WHERE tenant_id = ?`,
		bd.Daily, bd.Monthly, bd.Purchased, now, tenantID,
	)
	if err != nil {
		return Breakdown{}, fmt.Errorf("applying debit: %w", err)
	}

	if err := s.appendTxn(ctx, tx, Transaction{
		TenantID:      tenantID,
		Type:          TxnDebit,
		Amount:        amount,
		Breakdown:     bd,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}); err != nil {
		return Breakdown{}, err
	}

	if err := tx.Commit(); err != nil {
		return Breakdown{}, fmt.Errorf("committing debit: %w", err)
	}

	log.Debug().
		Str("tenant_id", tenantID).
		Float64("amount", amount).
		Str("reason", reason).
		Msg("ledger_debit")

	return bd, nil
}

// split allocates a fully covered amount across pools in drain order.
func split(b Balance, amount float64) Breakdown {
	var bd Breakdown
	bd.Daily = min64(b.Daily, amount)
	amount -= bd.Daily
	bd.Monthly = min64(b.Monthly, amount)
	amount -= bd.Monthly
	bd.Purchased = amount
	return bd
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// SettlementItem is one priced unit of work to settle against the ledger.
type SettlementItem struct {
	Amount        float64
	Reason        string
	CorrelationID string
}

// SettlementResult reports which items were debited and which were skipped
// for lack of credits.
type SettlementResult struct {
	Settled []SettlementItem
	Skipped []SettlementItem
}

// Settle debits each item independently. An item that the remaining balance
// cannot cover is skipped and reported; later, cheaper items may still
// settle. Non-credit errors abort the settlement.
func (s *Store) Settle(ctx context.Context, tenantID string, items []SettlementItem) (*SettlementResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.settle",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Int("items", len(items)),
		))
	defer span.End()

	result := &SettlementResult{}
	for _, item := range items {
		_, err := s.Debit(ctx, tenantID, item.Amount, item.Reason, item.CorrelationID)
		switch {
		case err == nil:
			result.Settled = append(result.Settled, item)
		case errors.Is(err, ErrInsufficientCredits):
			log.Warn().
				Str("tenant_id", tenantID).
				Float64("amount", item.Amount).
				Str("reason", item.Reason).
				Msg("settlement_item_skipped")
			result.Skipped = append(result.Skipped, item)
		default:
			return nil, fmt.Errorf("settling item %q: %w", item.Reason, err)
		}
	}

	span.SetAttributes(
		attribute.Int("settled", len(result.Settled)),
		attribute.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}
