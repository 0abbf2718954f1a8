package embeddings

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/embeddings"

var (
	// providerCalls counts upstream provider calls. Labels: model, outcome
	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "embeddings",
			Name:      "provider_calls_total",
			Help:      "Total number of upstream embedding provider calls",
		},
		[]string{"model", "outcome"},
	)

	// retries counts retried provider attempts. Labels: model
	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "embeddings",
			Name:      "retries_total",
			Help:      "Total number of retried embedding provider attempts",
		},
		[]string{"model"},
	)
)

// Metrics holds the OpenTelemetry instruments for embedding generation.
type Metrics struct {
	meter     metric.Meter
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return NewMetricsWithMeter(otel.Meter(instrumentationName), logger)
}

// NewMetricsWithMeter creates instruments on meter.
func NewMetricsWithMeter(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"corpusd.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of upstream embedding generation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"corpusd.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"corpusd.embedding.errors_total",
		metric.WithDescription("Total embedding generation errors by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// RecordGeneration records one upstream call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if m.errors != nil {
			m.errors.Add(ctx, 1, attrs)
		}
	}
	providerCalls.WithLabelValues(model, outcome).Inc()
}
