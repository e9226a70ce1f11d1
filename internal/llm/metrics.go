package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const usageMeterName = "github.com/steward-ai/steward/internal/llm"

var (
	usageHistogram         metric.Float64Histogram
	usageMetricsOnce       sync.Once
	usageMetricsRegistered bool
)

func initUsageMetrics() {
	meter := otel.Meter(usageMeterName)
	var err error
	usageHistogram, err = meter.Float64Histogram(
		"steward.credits.request",
		metric.WithDescription("Credits consumed per LLM request"),
		metric.WithUnit("{credit}"),
	)
	if err != nil {
		return
	}
	usageMetricsRegistered = true
}

// RecordUsageMetrics records credit consumption after an LLM call.
func RecordUsageMetrics(ctx context.Context, credits float64, provider, model string) {
	usageMetricsOnce.Do(initUsageMetrics)
	if !usageMetricsRegistered {
		return
	}
	usageHistogram.Record(ctx, credits, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
}
