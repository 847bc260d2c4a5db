package vectorstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const vectorstoreInstrumentationName = "github.com/fyrsmithlabs/recalld/internal/vectorstore"

// Metrics holds vector index metrics.
type Metrics struct {
	meter    metric.Meter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for the vector index.
func NewMetrics() *Metrics {
	m := &Metrics{
		meter: otel.Meter(vectorstoreInstrumentationName),
	}

	// Instrument creation only fails with invalid names; ignore and leave
	// the instrument nil, Record handles that.
	m.duration, _ = m.meter.Float64Histogram(
		"recalld.vectorstore.operation_duration_seconds",
		metric.WithDescription("Duration of vector index operations by backend and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	m.errors, _ = m.meter.Int64Counter(
		"recalld.vectorstore.errors_total",
		metric.WithDescription("Total vector index operation errors by backend and operation"),
		metric.WithUnit("{error}"),
	)

	return m
}

// Record records one index operation.
func (m *Metrics) Record(ctx context.Context, backend, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	}

	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
