// Package notify pushes operator-facing events (approval lifecycle, low
// credit warnings) to an optional webhook. Every event is also logged, so
// an installation without a webhook still has a trail.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/approval"
)

// timeoutWebhook bounds each webhook delivery.
const timeoutWebhook = 10 * time.Second

// LowCreditThreshold is the balance below which a low-credit event fires.
const LowCreditThreshold = 5.0

// Event is the webhook payload.
type Event struct {
	Type      string                 `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Webhook delivers events with best-effort HTTP POSTs.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a notifier. An empty url disables delivery; events are
// then log-only.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeoutWebhook},
	}
}

// ApprovalRequested notifies operators that a tool call awaits review.
func (w *Webhook) ApprovalRequested(ctx context.Context, req *approval.Request) {
	w.emit(ctx, Event{
		Type:      "approval.requested",
		TenantID:  req.TenantID,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"approval_id": req.ID,
			"tool_name":   req.ToolName,
			"session_id":  req.SessionID,
			"expires_at":  req.ExpiresAt,
		},
	})
}

// ApprovalResolved notifies operators of a terminal approval transition.
func (w *Webhook) ApprovalResolved(ctx context.Context, req *approval.Request) {
	w.emit(ctx, Event{
		Type:      "approval." + req.Status,
		TenantID:  req.TenantID,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"approval_id": req.ID,
			"tool_name":   req.ToolName,
			"reviewed_by": req.ReviewedBy,
		},
	})
}

// LowCredits warns that a tenant's combined balance fell below the
// threshold.
func (w *Webhook) LowCredits(ctx context.Context, tenantID string, balance float64) {
	w.emit(ctx, Event{
		Type:      "credits.low",
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"balance":   balance,
			"threshold": LowCreditThreshold,
		},
	})
}

func (w *Webhook) emit(ctx context.Context, ev Event) {
	log.Info().
		Str("event", ev.Type).
		Str("tenant_id", ev.TenantID).
		Msg("notification")

	if w.url == "" {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification_marshal_failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification_request_failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", ev.Type).Msg("notification_delivery_failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("event", ev.Type).
			Msg("notification_rejected")
	}
}
