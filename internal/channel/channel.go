// Package channel routes outbound replies to the messaging channel a
// session lives on and sanitizes inbound text.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/steward-ai/steward/internal/session"
)

// ErrChannelNotRegistered is returned when no sender exists for a channel.
var ErrChannelNotRegistered = errors.New("channel not registered")

// maxInboundLength clamps pathological inbound payloads before they reach
// the prompt.
const maxInboundLength = 8000

// Sender delivers agent replies on one channel type.
type Sender interface {
	// Name returns the channel identifier (e.g. "whatsapp", "web").
	Name() string
	// Send delivers text to the session's external contact.
	Send(ctx context.Context, sess *session.Session, text string) error
}

var sanitizer = bluemonday.StrictPolicy()

// SanitizeInbound strips markup from channel text and clamps its length.
// The clamp lands on a rune boundary so a multi-byte character is never
// split.
func SanitizeInbound(text string) string {
	clean := strings.TrimSpace(sanitizer.Sanitize(text))
	if len(clean) > maxInboundLength {
		cut := maxInboundLength
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean
}

// Router dispatches outbound replies to the sender registered for the
// session's channel. Safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register adds a sender for its channel name.
func (r *Router) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Name()] = s
}

// Deliver sends text on the session's channel.
func (r *Router) Deliver(ctx context.Context, sess *session.Session, text string) error {
	r.mu.RLock()
	s, ok := r.senders[sess.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotRegistered, sess.Channel)
	}
	if err := s.Send(ctx, sess, text); err != nil {
		return fmt.Errorf("delivering on %s: %w", sess.Channel, err)
	}
	return nil
}

// LogSender is a development sender that writes replies to the log instead
// of an external channel.
type LogSender struct {
	Channel string
}

// Name returns the channel this sender logs for.
func (l *LogSender) Name() string {
	return l.Channel
}

// Send logs the outbound reply.
func (l *LogSender) Send(ctx context.Context, sess *session.Session, text string) error {
	log.Info().
		Str("channel", l.Channel).
		Str("session_id", sess.ID).
		Str("contact", sess.ExternalContactID).
		Str("text", text).
		Msg("outbound_message")
	return nil
}
