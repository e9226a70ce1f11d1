package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/session"
)

// SessionWriter is the session-store surface the service needs: governance
// notices on the transcript and the hand-off status transitions.
type SessionWriter interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) (*session.Message, error)
	SetStatus(ctx context.Context, sessionID, status string) error
}

// Notifier pushes approval lifecycle events to the tenant's operators.
type Notifier interface {
	ApprovalRequested(ctx context.Context, req *Request)
	ApprovalResolved(ctx context.Context, req *Request)
}

// Service wraps the store with session transcript updates and operator
// notifications.
type Service struct {
	store    *Store
	sessions SessionWriter
	notifier Notifier
	ttl      time.Duration
}

// NewService creates the approval service. ttl is how long a request stays
// approvable.
func NewService(store *Store, sessions SessionWriter, notifier Notifier, ttl time.Duration) *Service {
	return &Service{store: store, sessions: sessions, notifier: notifier, ttl: ttl}
}

// Store exposes the underlying store for read-only queries.
func (s *Service) Store() *Store {
	return s.store
}

// Request queues a tool call for approval and notes it in the session.
func (s *Service) Request(ctx context.Context, tenantID, sessionID, correlationID, toolName string, args map[string]interface{}, reason string) (*Request, error) {
	req := &Request{
		TenantID:      tenantID,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		ToolName:      toolName,
		Arguments:     args,
		Reason:        reason,
		ExpiresAt:     time.Now().UTC().Add(s.ttl),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}

	s.appendNote(ctx, sessionID, fmt.Sprintf("Action %q is awaiting approval (request %s).", toolName, req.ID))
	s.setStatus(ctx, sessionID, session.StatusHandedOff)
	if s.notifier != nil {
		s.notifier.ApprovalRequested(ctx, req)
	}
	return req, nil
}

// Approve resolves a pending request, executes the tool call through exec,
// and notes the outcome in the session. A replayed approval returns the
// stored request without side effects.
func (s *Service) Approve(ctx context.Context, id, reviewedBy string, exec Executor) (*Request, error) {
	req, transitioned, err := s.store.Approve(ctx, id, reviewedBy, exec)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return req, nil
	}

	if req.ExecError != "" {
		s.appendNote(ctx, req.SessionID, fmt.Sprintf("Approved action %q failed: %s.", req.ToolName, req.ExecError))
	} else {
		s.appendNote(ctx, req.SessionID, fmt.Sprintf("Approved action %q was executed.", req.ToolName))
	}
	s.resumeSession(ctx, req)
	if s.notifier != nil {
		s.notifier.ApprovalResolved(ctx, req)
	}
	return req, nil
}

// Reject resolves a pending request without executing it.
func (s *Service) Reject(ctx context.Context, id, reviewedBy, reason string) (*Request, error) {
	req, err := s.store.Reject(ctx, id, reviewedBy, reason)
	if err != nil {
		return nil, err
	}

	s.appendNote(ctx, req.SessionID, fmt.Sprintf("Action %q was rejected.", req.ToolName))
	s.resumeSession(ctx, req)
	if s.notifier != nil {
		s.notifier.ApprovalResolved(ctx, req)
	}
	return req, nil
}

// ExpireStale sweeps overdue pending requests and notes each expiry in its
// session.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) ([]*Request, error) {
	expired, err := s.store.ExpireStale(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, req := range expired {
		s.appendNote(ctx, req.SessionID, fmt.Sprintf("Approval for action %q expired without review.", req.ToolName))
		s.resumeSession(ctx, req)
		if s.notifier != nil {
			s.notifier.ApprovalResolved(ctx, req)
		}
	}
	return expired, nil
}

// appendNote is best effort: a transcript write failure never blocks the
// state transition that already happened.
func (s *Service) appendNote(ctx context.Context, sessionID, content string) {
	if s.sessions == nil {
		return
	}
	if _, err := s.sessions.AppendMessage(ctx, sessionID, session.RoleSystem, content); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("approval_note_failed")
	}
}

// resumeSession returns the session to active once no further requests on
// it are waiting for a human.
func (s *Service) resumeSession(ctx context.Context, req *Request) {
	if s.sessions == nil {
		return
	}
	n, err := s.store.countPendingForSession(ctx, req.SessionID)
	if err != nil || n > 0 {
		return
	}
	s.setStatus(ctx, req.SessionID, session.StatusActive)
}

// setStatus is best effort, like appendNote.
func (s *Service) setStatus(ctx context.Context, sessionID, status string) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.SetStatus(ctx, sessionID, status); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session_status_not_set")
	}
}
