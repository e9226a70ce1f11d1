// Package ledger implements the tiered per-tenant credit ledger.
//
// Each tenant holds three credit pools: daily (replenished every day),
// monthly (replenished on the tenant's billing anchor day), and purchased
// (top-ups, never expire). Debits draw pools in that order and are atomic:
// a debit either fully succeeds or leaves every pool untouched. No pool
// ever goes negative. Every balance change appends an immutable
// transaction record.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	stewardotel "github.com/steward-ai/steward/internal/otel"
)

var tracer = stewardotel.Tracer("github.com/steward-ai/steward/internal/ledger")

// Sentinel errors for ledger operations.
var (
	ErrLedgerNotFound      = errors.New("ledger not found for tenant")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
)

// Transaction types recorded in the append-only log.
const (
	TxnDebit        = "debit"
	TxnTopUp        = "topup"
	TxnRefund       = "refund"
	TxnResetDaily   = "reset_daily"
	TxnResetMonthly = "reset_monthly"
)

// Store persists tenant credit ledgers and their transaction log in SQLite.
type Store struct {
	db *sql.DB
}

// Balance is a point-in-time view of a tenant's three pools.
type Balance struct {
	Daily     float64 `json:"daily"`
	Monthly   float64 `json:"monthly"`
	Purchased float64 `json:"purchased"`
}

// Total returns the sum across all pools.
func (b Balance) Total() float64 {
	return b.Daily + b.Monthly + b.Purchased
}

// Breakdown records how much of a debit each pool absorbed.
type Breakdown struct {
	Daily     float64 `json:"daily"`
	Monthly   float64 `json:"monthly"`
	Purchased float64 `json:"purchased"`
}

// Transaction is one immutable entry in a tenant's ledger history.
type Transaction struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Type          string    `json:"type"`
	Amount        float64   `json:"amount"`
	Breakdown     Breakdown `json:"breakdown"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewStore opens (or creates) the ledger database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// single connection serializes debit transactions, so concurrent debits
	// never observe a stale balance
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS ledgers (
		tenant_id TEXT PRIMARY KEY,
		daily REAL NOT NULL DEFAULT 0,
		monthly REAL NOT NULL DEFAULT 0,
		purchased REAL NOT NULL DEFAULT 0,
		daily_allowance REAL NOT NULL DEFAULT 0,
		monthly_allowance REAL NOT NULL DEFAULT 0,
		anchor_day INTEGER NOT NULL DEFAULT 1,
		daily_reset_at TIMESTAMP NOT NULL,
		monthly_reset_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount REAL NOT NULL,
		breakdown_json TEXT NOT NULL,
		reason TEXT,
		correlation_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_txn_tenant ON transactions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_txn_created ON transactions(created_at);
	CREATE INDEX IF NOT EXISTS idx_txn_correlation ON transactions(correlation_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Provision creates a tenant ledger with full daily and monthly pools.
// Calling it again for an existing tenant only updates the allowances and
// anchor day, leaving current balances alone.
func (s *Store) Provision(ctx context.Context, tenantID string, dailyAllowance, monthlyAllowance float64, anchorDay int) error {
	ctx, span := tracer.Start(ctx, "ledger.provision",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if anchorDay < 1 || anchorDay > 28 {
		return fmt.Errorf("anchor day must be in [1, 28], got %d", anchorDay)
	}

	now := time.Now().UTC()
	query := `INSERT INTO ledgers (tenant_id, daily, monthly, purchased, daily_allowance, monthly_allowance, anchor_day, daily_reset_at, monthly_reset_at, updated_at)
	          VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(tenant_id) DO UPDATE SET
	              daily_allowance = excluded.daily_allowance,
	              monthly_allowance = excluded.monthly_allowance,
	              anchor_day = excluded.anchor_day,
	              updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		tenantID, dailyAllowance, monthlyAllowance, dailyAllowance, monthlyAllowance,
		anchorDay, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("provisioning ledger: %w", err)
	}
	return nil
}

// Balance returns the tenant's current pool balances.
func (s *Store) Balance(ctx context.Context, tenantID string) (Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.balance",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	var b Balance
	query := `SELECT daily, monthly, purchased FROM ledgers WHERE tenant_id = ?`
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&b.Daily, &b.Monthly, &b.Purchased)
	if err == sql.ErrNoRows {
		return Balance{}, fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}
	if err != nil {
		return Balance{}, fmt.Errorf("querying balance: %w", err)
	}
	return b, nil
}

// TopUp adds purchased credits. Purchased credits never expire.
func (s *Store) TopUp(ctx context.Context, tenantID string, amount float64, reason string) error {
	ctx, span := tracer.Start(ctx, "ledger.topup",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.Float64("amount", amount),
		))
	defer span.End()

	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledgers SET purchased = purchased + ?, updated_at = ? WHERE tenant_id = ?`,
		amount, now, tenantID,
	)
	if err != nil {
		return fmt.Errorf("applying topup: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLedgerNotFound, tenantID)
	}

	if err := s.appendTxn(ctx, s.db, Transaction{
		TenantID:  tenantID,
		Type:      TxnTopUp,
		Amount:    amount,
		Breakdown: Breakdown{Purchased: amount},
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	return nil
}

// Transactions returns a tenant's ledger history, newest first, in the
// half-open window [from, to).
func (s *Store) Transactions(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.transactions",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT id, tenant_id, type, amount, breakdown_json, reason, correlation_id, created_at
	          FROM transactions WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, to)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var results []Transaction
	for rows.Next() {
		var txn Transaction
		var breakdownJSON string
		var reason, correlationID sql.NullString
		if err := rows.Scan(&txn.ID, &txn.TenantID, &txn.Type, &txn.Amount,
			&breakdownJSON, &reason, &correlationID, &txn.CreatedAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(breakdownJSON), &txn.Breakdown)
		txn.Reason = reason.String
		txn.CorrelationID = correlationID.String
		results = append(results, txn)
	}
	return results, rows.Err()
}

// SpentSince sums debit amounts for the tenant in the half-open window
// [from, now). Used for daily cost cap checks.
func (s *Store) SpentSince(ctx context.Context, tenantID string, from time.Time) (float64, error) {
	ctx, span := tracer.Start(ctx, "ledger.spent_since",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	var total sql.NullFloat64
	query := `SELECT SUM(amount) FROM transactions WHERE tenant_id = ? AND type = ? AND created_at >= ?`
	if err := s.db.QueryRowContext(ctx, query, tenantID, TxnDebit, from).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing debits: %w", err)
	}
	span.SetAttributes(attribute.Float64("spent", total.Float64))
	return total.Float64, nil
}

// execer lets appendTxn run against either the pool or an open transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) appendTxn(ctx context.Context, ex execer, txn Transaction) error {
	if txn.ID == "" {
		txn.ID = "txn_" + uuid.New().String()
	}
	breakdownJSON, err := json.Marshal(txn.Breakdown)
	if err != nil {
		return fmt.Errorf("marshaling breakdown: %w", err)
	}

	query := `INSERT INTO transactions (id, tenant_id, type, amount, breakdown_json, reason, correlation_id, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, query,
		txn.ID, txn.TenantID, txn.Type, txn.Amount, string(breakdownJSON),
		txn.Reason, txn.CorrelationID, txn.CreatedAt,
	); err != nil {
		return fmt.Errorf("appending transaction: %w", err)
	}
	return nil
}
