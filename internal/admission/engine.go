// Package admission gates inbound messages before any model call is made.
//
// The gate combines a hard credit check (combined pool balance must cover
// the turn's estimated cost) with the tenant's advisory daily caps. Rules
// are expressed in Rego and evaluated with embedded OPA, so operators can
// read the deny conditions without touching Go.
package admission

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	stewardotel "github.com/steward-ai/steward/internal/otel"
)

var tracer = stewardotel.Tracer("github.com/steward-ai/steward/internal/admission")

//go:embed rego/*.rego
var embeddedRules embed.FS

// Decision is the outcome of an admission check. Shortfall is how many
// credits the balance is short of the estimated cost when the credit gate
// denies; zero otherwise.
type Decision struct {
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons,omitempty"`
	Shortfall float64  `json:"shortfall,omitempty"`
}

// Input carries everything the admission rules look at for one turn.
type Input struct {
	TenantID        string  `json:"tenant_id"`
	EstimatedCost   float64 `json:"estimated_cost"`
	BalanceTotal    float64 `json:"balance_total"`
	MessagesToday   int     `json:"messages_today"`
	DailyMessageCap int     `json:"daily_message_cap"`
	SpentToday      float64 `json:"spent_today"`
	DailyCostCap    float64 `json:"daily_cost_cap"`
}

// regoRule maps a Rego file to the query used to extract deny messages.
type regoRule struct {
	file  string
	query string
}

var allRules = []regoRule{
	{file: "rego/credit_gate.rego", query: "data.steward.admission.credit_gate.deny"},
	{file: "rego/daily_caps.rego", query: "data.steward.admission.daily_caps.deny"},
}

// Engine evaluates the admission rules using embedded OPA.
type Engine struct {
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine precompiles the embedded Rego rules.
func NewEngine(ctx context.Context) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "admission.engine.new")
	defer span.End()

	prepared := make(map[string]rego.PreparedEvalQuery, len(allRules))
	for _, rr := range allRules {
		content, err := embeddedRules.ReadFile(rr.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded rule %s: %w", rr.file, err)
		}

		r := rego.New(
			rego.Query(rr.query),
			rego.Module(rr.file, string(content)),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego rule %s: %w", rr.file, err)
		}
		prepared[rr.file] = pq
	}

	span.SetAttributes(attribute.Int("admission.prepared_count", len(prepared)))
	return &Engine{prepared: prepared}, nil
}

// Evaluate runs every admission rule and returns the combined decision.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "admission.evaluate",
		trace.WithAttributes(
			attribute.String("tenant_id", in.TenantID),
			attribute.Float64("estimated_cost", in.EstimatedCost),
		))
	defer span.End()

	input := map[string]interface{}{
		"tenant_id":         in.TenantID,
		"estimated_cost":    in.EstimatedCost,
		"balance_total":     in.BalanceTotal,
		"messages_today":    in.MessagesToday,
		"daily_message_cap": in.DailyMessageCap,
		"spent_today":       in.SpentToday,
		"daily_cost_cap":    in.DailyCostCap,
	}

	decision := &Decision{Allowed: true}
	for _, rr := range allRules {
		reasons, err := e.evaluateDenyRule(ctx, rr.file, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		decision.Reasons = append(decision.Reasons, reasons...)
	}

	if len(decision.Reasons) > 0 {
		decision.Allowed = false
		if in.BalanceTotal < in.EstimatedCost {
			decision.Shortfall = in.EstimatedCost - in.BalanceTotal
		}
	}

	span.SetAttributes(
		attribute.Bool("admission.allowed", decision.Allowed),
		attribute.Int("admission.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "admission passed")
	}
	return decision, nil
}

// evaluateDenyRule runs one prepared rule producing a set of deny reason
// strings. OPA returns the set as []interface{} or map[string]interface{}.
func (e *Engine) evaluateDenyRule(ctx context.Context, file string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[file]
	if !ok {
		return nil, fmt.Errorf("admission rule %s not prepared", file)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", file, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}
