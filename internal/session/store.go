// Package session persists conversation sessions and their message history.
//
// A session is identified by (tenant, channel, external contact) and is
// created on first contact. Messages are append-only with a per-session
// sequence number, so history reads are stable under concurrent writes to
// other sessions.
package session

import (
	"context"
	"database/sql"
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

var tracer = stewardotel.Tracer("github.com/steward-ai/steward/internal/session")

// Sentinel errors for session operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidStatus   = errors.New("invalid session status")
)

// Message roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Session statuses. A session starts active, moves to handed_off while a
// human is in the loop, and is closed when the conversation ends.
const (
	StatusActive    = "active"
	StatusClosed    = "closed"
	StatusHandedOff = "handed_off"
)

// Session is one conversation between a tenant's agent and an external
// contact on a channel.
type Session struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Channel           string    `json:"channel"`
	ExternalContactID string    `json:"external_contact_id"`
	ContactRef        string    `json:"contact_ref,omitempty"`
	Status            string    `json:"status"`
	TokensUsed        int64     `json:"tokens_used"`
	CreatedAt         time.Time `json:"created_at"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// Message is one entry in a session's history.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions and messages in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the sessions database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sessions database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		external_contact_id TEXT NOT NULL,
		contact_ref TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_message_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, channel, external_contact_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating sessions schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindOrCreate returns the session for (tenant, channel, contact), creating
// it on first contact. Concurrent callers for the same triple converge on
// one row; created reports whether this call inserted it.
func (s *Store) FindOrCreate(ctx context.Context, tenantID, channel, externalContactID string) (*Session, bool, error) {
	ctx, span := tracer.Start(ctx, "session.find_or_create",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("channel", channel),
		))
	defer span.End()

	now := time.Now().UTC()
	id := "sess_" + uuid.New().String()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, channel, external_contact_id, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, channel, external_contact_id) DO NOTHING`,
		id, tenantID, channel, externalContactID, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	affected, _ := res.RowsAffected()
	created := affected > 0

	sess, err := s.lookup(ctx, tenantID, channel, externalContactID)
	if err != nil {
		return nil, false, err
	}

	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Bool("created", created),
	)
	return sess, created, nil
}

func (s *Store) lookup(ctx context.Context, tenantID, channel, externalContactID string) (*Session, error) {
	var sess Session
	var contactRef sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, channel, external_contact_id, contact_ref, status, tokens_used, created_at, last_message_at
		 FROM sessions WHERE tenant_id = ? AND channel = ? AND external_contact_id = ?`,
		tenantID, channel, externalContactID,
	).Scan(&sess.ID, &sess.TenantID, &sess.Channel, &sess.ExternalContactID,
		&contactRef, &sess.Status, &sess.TokensUsed, &sess.CreatedAt, &sess.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.ContactRef = contactRef.String
	return &sess, nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var contactRef sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, channel, external_contact_id, contact_ref, status, tokens_used, created_at, last_message_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&sess.ID, &sess.TenantID, &sess.Channel, &sess.ExternalContactID,
		&contactRef, &sess.Status, &sess.TokensUsed, &sess.CreatedAt, &sess.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.ContactRef = contactRef.String
	return &sess, nil
}

// SetContactRef records an external CRM reference for the session's contact.
// Best effort: an unknown session id is not an error.
func (s *Store) SetContactRef(ctx context.Context, sessionID, contactRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET contact_ref = ? WHERE id = ?`, contactRef, sessionID)
	if err != nil {
		return fmt.Errorf("setting contact ref: %w", err)
	}
	return nil
}

// SetStatus transitions the session to the given status.
func (s *Store) SetStatus(ctx context.Context, sessionID, status string) error {
	switch status {
	case StatusActive, StatusClosed, StatusHandedOff:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("setting session status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("status", status).
		Msg("session_status_changed")
	return nil
}

// AddTokensUsed adds to the session's cumulative token counter. Tokens are
// counted across both prompt and completion sides of each model call.
func (s *Store) AddTokensUsed(ctx context.Context, sessionID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tokens_used = tokens_used + ? WHERE id = ?`, tokens, sessionID)
	if err != nil {
		return fmt.Errorf("adding token usage: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// AppendMessage appends a message with the next sequence number for the
// session and bumps last_message_at.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	ctx, span := tracer.Start(ctx, "session.append_message",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("role", role),
		))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("computing next sequence: %w", err)
	}

	msg := &Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_message_at = ? WHERE id = ?`, msg.CreatedAt, sessionID,
	); err != nil {
		return nil, fmt.Errorf("updating session timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	return msg, nil
}

// History returns the most recent limit messages in chronological order.
// limit <= 0 returns the full history.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "session.history",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	query := `SELECT id, session_id, seq, role, content, created_at
	          FROM messages WHERE session_id = ? ORDER BY seq DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	history := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		history[len(newestFirst)-1-i] = m
	}
	return history, nil
}

// CountInboundSince counts user messages across all of a tenant's sessions
// in [since, now). Backs the daily message cap.
func (s *Store) CountInboundSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "session.count_inbound",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages m
		 JOIN sessions s ON s.id = m.session_id
		 WHERE s.tenant_id = ? AND m.role = ? AND m.created_at >= ?`,
		tenantID, RoleUser, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting inbound messages: %w", err)
	}
	span.SetAttributes(attribute.Int("count", n))
	return n, nil
}

// ListByTenant returns a tenant's sessions ordered by most recent activity.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Session, error) {
	query := `SELECT id, tenant_id, channel, external_contact_id, contact_ref, status, tokens_used, created_at, last_message_at
	          FROM sessions WHERE tenant_id = ? ORDER BY last_message_at DESC`
	args := []interface{}{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		var sess Session
		var contactRef sql.NullString
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.Channel, &sess.ExternalContactID,
			&contactRef, &sess.Status, &sess.TokensUsed, &sess.CreatedAt, &sess.LastMessageAt); err != nil {
			continue
		}
		sess.ContactRef = contactRef.String
		results = append(results, sess)
	}
	return results, rows.Err()
}
