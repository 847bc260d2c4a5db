package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineInstrumentationName = "github.com/fyrsmithlabs/recalld/internal/engine"

// Metrics holds memory engine metrics.
type Metrics struct {
	meter          metric.Meter
	indexFailures  metric.Int64Counter
	fallbacks      metric.Int64Counter
	memoriesStored metric.Int64Counter
	purged         metric.Int64Counter
}

// NewMetrics creates engine metrics on the global meter provider.
func NewMetrics() *Metrics {
	m := &Metrics{
		meter: otel.Meter(engineInstrumentationName),
	}

	m.indexFailures, _ = m.meter.Int64Counter(
		"recalld.engine.index_write_failures_total",
		metric.WithDescription("Best-effort vector index writes that failed after a durable ledger write"),
		metric.WithUnit("{failure}"),
	)
	m.fallbacks, _ = m.meter.Int64Counter(
		"recalld.engine.retrieval_fallbacks_total",
		metric.WithDescription("Retrievals that degraded to ledger-only ordering by reason"),
		metric.WithUnit("{retrieval}"),
	)
	m.memoriesStored, _ = m.meter.Int64Counter(
		"recalld.engine.memories_stored_total",
		metric.WithDescription("Memories written to the ledger by source (direct, learner)"),
		metric.WithUnit("{memory}"),
	)
	m.purged, _ = m.meter.Int64Counter(
		"recalld.engine.memories_purged_total",
		metric.WithDescription("Expired memories removed by the sweeper"),
		metric.WithUnit("{memory}"),
	)

	return m
}

// RecordIndexFailure counts a failed best-effort index write.
func (m *Metrics) RecordIndexFailure(ctx context.Context, operation string) {
	if m.indexFailures != nil {
		m.indexFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordFallback counts a retrieval that fell back to ledger ordering.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordStored counts a stored memory.
func (m *Metrics) RecordStored(ctx context.Context, source string) {
	if m.memoriesStored != nil {
		m.memoriesStored.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordPurged counts purged memories.
func (m *Metrics) RecordPurged(ctx context.Context, count int) {
	if m.purged != nil && count > 0 {
		m.purged.Add(ctx, int64(count))
	}
}
