package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rosterd/internal/embeddings"

// Metrics records embedding request metrics through OpenTelemetry.
type Metrics struct {
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetrics creates embedding instruments. A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider, logger *zap.Logger) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"rosterd.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding requests, including rate limit wait"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"rosterd.embedding.errors_total",
		metric.WithDescription("Embedding requests that failed, including breaker rejections"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	return m
}

// RecordGeneration records one embedding request.
func (m *Metrics) RecordGeneration(ctx context.Context, model string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
