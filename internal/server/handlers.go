package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/agentcfg"
	"github.com/steward-ai/steward/internal/approval"
	"github.com/steward-ai/steward/internal/ledger"
	"github.com/steward-ai/steward/internal/llm"
	"github.com/steward-ai/steward/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.Store().ListPending(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"version":           s.version,
		"uptime":            time.Since(s.startTime).String(),
		"tenants":           len(s.configs.TenantIDs()),
		"pending_approvals": len(pending),
	})
}

type inboundRequest struct {
	TenantID          string `json:"tenant_id"`
	Channel           string `json:"channel"`
	ExternalContactID string `json:"external_contact_id"`
	Text              string `json:"text"`
	ContactRef        string `json:"contact_ref"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.TenantID == "" && keyTenant(r) != AdminTenant {
		req.TenantID = keyTenant(r)
	}
	if req.TenantID == "" || req.Channel == "" || req.ExternalContactID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant_id, channel, and external_contact_id are required")
		return
	}
	if !allowedTenant(r, req.TenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+req.TenantID)
		return
	}

	result, err := s.pipeline.Process(r.Context(), pipeline.Inbound{
		TenantID:          req.TenantID,
		Channel:           req.Channel,
		ExternalContactID: req.ExternalContactID,
		Text:              req.Text,
		ContactRef:        req.ContactRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "invalid_request", "message text is empty")
		case errors.Is(err, agentcfg.ErrTenantNotConfigured):
			writeError(w, http.StatusNotFound, "tenant_not_found", err.Error())
		case errors.Is(err, llm.ErrProviderNotAvailable):
			writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
		default:
			log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("inbound_processing_error")
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" && keyTenant(r) != AdminTenant {
		tenantID = keyTenant(r)
	}
	if tenantID != "" && !allowedTenant(r, tenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+tenantID)
		return
	}
	pending, err := s.approvals.Store().ListPending(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, approval.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !allowedTenant(r, req.TenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+req.TenantID)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reviewRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Reason     string `json:"reason"`
}

// resolveApproval loads the request, checks tenant scope, and applies the
// transition. Approve and Reject share everything but the final call.
func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, apply func(id, reviewedBy, reason string) (*approval.Request, error)) {
	id := chi.URLParam(r, "id")
	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if body.ReviewedBy == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reviewed_by is required")
		return
	}

	existing, err := s.approvals.Store().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !allowedTenant(r, existing.TenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+existing.TenantID)
		return
	}

	req, err := apply(id, body.ReviewedBy, body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrRequestNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, approval.ErrRequestNotPending):
			writeError(w, http.StatusConflict, "not_pending", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, func(id, reviewedBy, _ string) (*approval.Request, error) {
		return s.approvals.Approve(r.Context(), id, reviewedBy, s.executor)
	})
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, func(id, reviewedBy, reason string) (*approval.Request, error) {
		return s.approvals.Reject(r.Context(), id, reviewedBy, reason)
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if !allowedTenant(r, tenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+tenantID)
		return
	}

	balance, err := s.ledgerStore.Balance(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
		from = t
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	txns, err := s.ledgerStore.Transactions(r.Context(), tenantID, from, now.Add(time.Second), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spentToday, err := s.ledgerStore.SpentSince(r.Context(), tenantID, dayStart)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":    tenantID,
		"balance":      balance,
		"total":        balance.Total(),
		"spent_today":  spentToday,
		"transactions": txns,
	})
}

type provisionRequest struct {
	DailyAllowance   float64 `json:"daily_allowance"`
	MonthlyAllowance float64 `json:"monthly_allowance"`
	AnchorDay        int     `json:"anchor_day"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if keyTenant(r) != AdminTenant {
		writeError(w, http.StatusForbidden, "forbidden", "provisioning requires an admin key")
		return
	}
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.AnchorDay == 0 {
		req.AnchorDay = 1
	}
	if err := s.ledgerStore.Provision(r.Context(), tenantID, req.DailyAllowance, req.MonthlyAllowance, req.AnchorDay); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	balance, err := s.ledgerStore.Balance(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"balance":   balance,
	})
}

type topUpRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if keyTenant(r) != AdminTenant {
		writeError(w, http.StatusForbidden, "forbidden", "topups require an admin key")
		return
	}
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if err := s.ledgerStore.TopUp(r.Context(), tenantID, req.Amount, req.Reason); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNonPositiveAmount):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, ledger.ErrLedgerNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	balance, err := s.ledgerStore.Balance(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"balance":   balance,
	})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" && keyTenant(r) != AdminTenant {
		tenantID = keyTenant(r)
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tenant query parameter is required")
		return
	}
	if !allowedTenant(r, tenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+tenantID)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.sessions.ListByTenant(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if !allowedTenant(r, sess.TenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "API key is not valid for tenant "+sess.TenantID)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	history, err := s.sessions.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":  sess,
		"messages": history,
	})
}
