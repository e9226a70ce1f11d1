package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// retryBackoff is the pause before the single retry of a failed call.
const retryBackoff = 500 * time.Millisecond

// retryable reports whether a provider failure is worth one retry: rate
// limits, server-side failures, and timeouts. Client errors such as a bad
// request or an invalid key fail the same way twice, so they surface
// immediately.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Invoker routes requests to the configured provider and retries once on
// transient failure.
type Invoker struct {
	providers map[string]Provider
}

// NewInvoker creates an invoker over the given providers, keyed by Name().
func NewInvoker(providers ...Provider) *Invoker {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Invoker{providers: m}
}

// Provider returns the named provider.
func (inv *Invoker) Provider(name string) (Provider, error) {
	p, ok := inv.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Invoke sends the request to the named provider. A transient failure is
// retried once after a short backoff; any other failure, and a failed
// retry, surface as ErrProviderNotAvailable so callers can map it to a
// user-facing message.
func (inv *Invoker) Invoke(ctx context.Context, providerName string, req *Request) (*Response, error) {
	p, err := inv.Provider(providerName)
	if err != nil {
		return nil, err
	}

	resp, err := p.Generate(ctx, req)
	if err == nil {
		RecordUsageMetrics(ctx, CreditCost(p, req.Model, resp.InputTokens, resp.OutputTokens), providerName, req.Model)
		return resp, nil
	}

	if !retryable(err) {
		log.Error().Err(err).
			Str("provider", providerName).
			Str("model", req.Model).
			Msg("llm_call_failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderNotAvailable, providerName, err)
	}

	log.Warn().Err(err).
		Str("provider", providerName).
		Str("model", req.Model).
		Msg("llm_call_retrying")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryBackoff):
	}

	resp, retryErr := p.Generate(ctx, req)
	if retryErr != nil {
		log.Error().Err(retryErr).
			Str("provider", providerName).
			Str("model", req.Model).
			Msg("llm_call_failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderNotAvailable, providerName, retryErr)
	}

	RecordUsageMetrics(ctx, CreditCost(p, req.Model, resp.InputTokens, resp.OutputTokens), providerName, req.Model)
	return resp, nil
}
