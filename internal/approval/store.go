// Package approval implements the human-in-the-loop approval queue.
//
// A queued tool call becomes an ApprovalRequest in status pending. A
// reviewer approves or rejects it; pending requests past their expiry are
// swept to expired. Every terminal transition is guarded by a compare-and-
// set on the pending status, so concurrent reviewers race for one winner
// and an approved call executes exactly once.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	stewardotel "github.com/steward-ai/steward/internal/otel"
)

var tracer = stewardotel.Tracer("github.com/steward-ai/steward/internal/approval")

// Sentinel errors for the approval queue.
var (
	ErrRequestNotFound   = errors.New("approval request not found")
	ErrRequestNotPending = errors.New("approval request is not pending")
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Request is one queued tool call awaiting human review.
type Request struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	SessionID     string                 `json:"session_id"`
	CorrelationID string                 `json:"correlation_id"`
	ToolName      string                 `json:"tool_name"`
	Arguments     map[string]interface{} `json:"arguments"`
	Reason        string                 `json:"reason,omitempty"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	ReviewedBy    string                 `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time             `json:"reviewed_at,omitempty"`
	ReviewReason  string                 `json:"review_reason,omitempty"`
	ExecutedAt    *time.Time             `json:"executed_at,omitempty"`
	Result        string                 `json:"result,omitempty"`
	ExecError     string                 `json:"exec_error,omitempty"`
}

// Store persists approval requests in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the approvals database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening approvals database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments_json TEXT NOT NULL,
		reason TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		reviewed_by TEXT,
		reviewed_at TIMESTAMP,
		review_reason TEXT,
		executed_at TIMESTAMP,
		result TEXT,
		exec_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_tenant ON approval_requests(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approval_requests(expires_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating approvals schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new pending request and returns it with its id set.
func (s *Store) Create(ctx context.Context, req *Request) error {
	ctx, span := tracer.Start(ctx, "approval.create",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("tool_name", req.ToolName),
		))
	defer span.End()

	if req.ID == "" {
		req.ID = "apr_" + uuid.New().String()
	}
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	argsJSON, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, tenant_id, session_id, correlation_id, tool_name, arguments_json, reason, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TenantID, req.SessionID, req.CorrelationID, req.ToolName,
		string(argsJSON), req.Reason, req.Status, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}

	span.SetAttributes(attribute.String("approval_id", req.ID))
	log.Info().
		Str("approval_id", req.ID).
		Str("tenant_id", req.TenantID).
		Str("tool_name", req.ToolName).
		Msg("approval_requested")
	return nil
}

// Get returns a request by id.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, correlation_id, tool_name, arguments_json, reason, status,
		       created_at, expires_at, reviewed_by, reviewed_at, review_reason, executed_at, result, exec_error
		FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return req, err
}

// ListPending returns pending, unexpired requests, oldest first, optionally
// filtered by tenant.
func (s *Store) ListPending(ctx context.Context, tenantID string) ([]*Request, error) {
	query := `
		SELECT id, tenant_id, session_id, correlation_id, tool_name, arguments_json, reason, status,
		       created_at, expires_at, reviewed_by, reviewed_at, review_reason, executed_at, result, exec_error
		FROM approval_requests WHERE status = ? AND expires_at > ?`
	args := []interface{}{StatusPending, time.Now().UTC()}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer rows.Close()

	var results []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			continue
		}
		results = append(results, req)
	}
	return results, rows.Err()
}

// countPendingForSession counts live pending requests attached to a session.
func (s *Store) countPendingForSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approval_requests WHERE session_id = ? AND status = ? AND expires_at > ?`,
		sessionID, StatusPending, time.Now().UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending requests: %w", err)
	}
	return n, nil
}

// Executor runs an approved tool call and returns its result.
type Executor func(ctx context.Context, req *Request) (string, error)

// Approve transitions the request from pending to approved and runs the
// executor. The transition is a compare-and-set, so of any number of
// concurrent approvals exactly one runs the executor; transitioned reports
// whether this call was the one. Approving an already-approved request is a
// no-op that returns the stored request with its recorded result, never a
// second execution. Rejected and expired requests return
// ErrRequestNotPending. Executor failure is recorded on the request but the
// approval stands.
func (s *Store) Approve(ctx context.Context, id, reviewedBy string, exec Executor) (req *Request, transitioned bool, err error) {
	ctx, span := tracer.Start(ctx, "approval.approve",
		trace.WithAttributes(attribute.String("approval_id", id)))
	defer span.End()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?`,
		StatusApproved, reviewedBy, now, id, StatusPending, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("approving request: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		if existing.Status == StatusApproved {
			log.Info().
				Str("approval_id", id).
				Str("reviewed_by", reviewedBy).
				Msg("approval_replayed")
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrRequestNotPending, id)
	}

	req, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	// A nil executor records the decision without running anything (offline
	// review tooling); the request stays approved with no execution result.
	if exec != nil {
		execResult, execErr := exec(ctx, req)
		executedAt := time.Now().UTC()
		req.ExecutedAt = &executedAt
		req.Result = execResult
		if execErr != nil {
			req.ExecError = execErr.Error()
		}

		if _, err := s.db.ExecContext(ctx, `
			UPDATE approval_requests SET executed_at = ?, result = ?, exec_error = ? WHERE id = ?`,
			executedAt, req.Result, req.ExecError, id,
		); err != nil {
			return nil, false, fmt.Errorf("recording execution result: %w", err)
		}
	}

	log.Info().
		Str("approval_id", id).
		Str("reviewed_by", reviewedBy).
		Bool("exec_failed", req.ExecError != "").
		Msg("approval_granted")
	return req, true, nil
}

// Reject transitions the request from pending to rejected.
func (s *Store) Reject(ctx context.Context, id, reviewedBy, reason string) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.reject",
		trace.WithAttributes(attribute.String("approval_id", id)))
	defer span.End()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?, review_reason = ?
		WHERE id = ? AND status = ?`,
		StatusRejected, reviewedBy, now, reason, id, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("rejecting request: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrRequestNotPending, id)
	}

	log.Info().
		Str("approval_id", id).
		Str("reviewed_by", reviewedBy).
		Msg("approval_rejected")
	return s.Get(ctx, id)
}

// ExpireStale transitions every pending request past its expiry to expired
// and returns the transitioned requests. Idempotent: a second sweep over
// the same window expires nothing.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.expire_stale")
	defer span.End()

	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM approval_requests WHERE status = ? AND expires_at <= ?`,
		StatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var expired []*Request
	for _, id := range ids {
		result, err := s.db.ExecContext(ctx, `
			UPDATE approval_requests SET status = ?, reviewed_at = ?
			WHERE id = ? AND status = ?`,
			StatusExpired, now, id, StatusPending,
		)
		if err != nil {
			return expired, fmt.Errorf("expiring request %s: %w", id, err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			continue
		}
		req, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		expired = append(expired, req)
	}

	span.SetAttributes(attribute.Int("expired", len(expired)))
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("approvals_expired")
	}
	return expired, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var argsJSON string
	var reason, reviewedBy, reviewReason, result, execError sql.NullString
	var reviewedAt, executedAt sql.NullTime

	err := row.Scan(&req.ID, &req.TenantID, &req.SessionID, &req.CorrelationID,
		&req.ToolName, &argsJSON, &reason, &req.Status, &req.CreatedAt, &req.ExpiresAt,
		&reviewedBy, &reviewedAt, &reviewReason, &executedAt, &result, &execError)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(argsJSON), &req.Arguments)
	req.Reason = reason.String
	req.ReviewedBy = reviewedBy.String
	req.ReviewReason = reviewReason.String
	req.Result = result.String
	req.ExecError = execError.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		req.ReviewedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		req.ExecutedAt = &t
	}
	return &req, nil
}
