// Package observe provides application-wide observability primitives for
// Phonoxa: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Phonoxa metrics.
const meterName = "github.com/MrWong99/phonoxa"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// AnalysisDuration tracks per-analyzer processing latency. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AnalysisDuration metric.Float64Histogram

	// AggregationDuration tracks the time from a chunk's first analyzer
	// result to the aggregation closing. Use with attribute:
	//   attribute.String("outcome", ...)
	AggregationDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts audio chunks admitted into the pipeline.
	ChunksReceived metric.Int64Counter

	// ChunksRejected counts chunks turned away at the gateway. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksRejected metric.Int64Counter

	// AnalysisResults counts analyzer results by kind and status. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	AnalysisResults metric.Int64Counter

	// WorkerDrops counts chunks dropped by saturated workers. Use with attribute:
	//   attribute.String("kind", ...)
	WorkerDrops metric.Int64Counter

	// KeywordHits counts keyword spots in recognized text. Use with attribute:
	//   attribute.String("keyword", ...)
	KeywordHits metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live audio sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open websocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// PendingChunks tracks the number of chunks currently being aggregated.
	PendingChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("phonoxa.analysis.duration",
		metric.WithDescription("Latency of a single analyzer processing one chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AggregationDuration, err = m.Float64Histogram("phonoxa.aggregation.duration",
		metric.WithDescription("Time from first analyzer result to aggregation close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("phonoxa.chunks.received",
		metric.WithDescription("Total audio chunks admitted into the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.ChunksRejected, err = m.Int64Counter("phonoxa.chunks.rejected",
		metric.WithDescription("Total chunks rejected at the gateway by reason."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisResults, err = m.Int64Counter("phonoxa.analysis.results",
		metric.WithDescription("Total analyzer results by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.WorkerDrops, err = m.Int64Counter("phonoxa.worker.drops",
		metric.WithDescription("Total chunks dropped by saturated workers by kind."),
	); err != nil {
		return nil, err
	}
	if met.KeywordHits, err = m.Int64Counter("phonoxa.keyword.hits",
		metric.WithDescription("Total keyword spots in recognized text by keyword."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("phonoxa.active_sessions",
		metric.WithDescription("Number of live audio sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("phonoxa.active_connections",
		metric.WithDescription("Number of open websocket connections."),
	); err != nil {
		return nil, err
	}
	if met.PendingChunks, err = m.Int64UpDownCounter("phonoxa.pending_chunks",
		metric.WithDescription("Number of chunks currently being aggregated."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("phonoxa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAnalysis records one analyzer outcome: the result counter and the
// latency histogram, both tagged with kind and status.
func (m *Metrics) RecordAnalysis(ctx context.Context, kind, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.AnalysisResults.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, seconds, attrs)
}

// RecordAggregation records one closed aggregation with its outcome
// ("complete", "timeout" or "flush").
func (m *Metrics) RecordAggregation(ctx context.Context, outcome string, seconds float64) {
	m.AggregationDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRejection records one chunk rejected at the gateway.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.ChunksRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordWorkerDrop records one chunk dropped by a saturated worker.
func (m *Metrics) RecordWorkerDrop(ctx context.Context, kind string) {
	m.WorkerDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordKeywordHit records one keyword spotted in recognized text.
func (m *Metrics) RecordKeywordHit(ctx context.Context, keyword string) {
	m.KeywordHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("keyword", keyword)),
	)
}

// RecordConnection moves the open-connection gauge: +1 on accept, -1 on
// close.
func (m *Metrics) RecordConnection(ctx context.Context, delta int64) {
	m.ActiveConnections.Add(ctx, delta)
}

// RecordSession moves the live-session gauge: +1 on create, -1 on end.
func (m *Metrics) RecordSession(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}
