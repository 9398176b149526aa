// Package observe provides application-wide observability primitives for
// Vectory: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vectory metrics.
const meterName = "github.com/vectory-io/vectory"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EmbedDuration tracks embedding provider call latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	EmbedDuration metric.Float64Histogram

	// BulkWriteDuration tracks vector store bulk insert latency.
	BulkWriteDuration metric.Float64Histogram

	// JobDuration tracks end-to-end ingestion job duration by final status.
	JobDuration metric.Float64Histogram

	// RateLimitWait tracks time spent waiting on the shared provider rate
	// limiter before each embedding call.
	RateLimitWait metric.Float64Histogram

	// --- Counters ---

	// ChunksProcessed counts chunks successfully embedded and stored.
	ChunksProcessed metric.Int64Counter

	// ChunksFailed counts chunks that failed embedding or were rejected by
	// the vector store. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksFailed metric.Int64Counter

	// EmbedBatchSize records the number of chunks per embedding call.
	EmbedBatchSize metric.Int64Histogram

	// JobTransitions counts job state transitions. Use with attribute:
	//   attribute.String("status", ...)
	JobTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of jobs currently running in the worker
	// pool.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// provider round trips and bulk database writes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbedDuration, err = m.Float64Histogram("vectory.embed.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BulkWriteDuration, err = m.Float64Histogram("vectory.bulk_write.duration",
		metric.WithDescription("Latency of vector store bulk inserts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("vectory.job.duration",
		metric.WithDescription("End-to-end ingestion job duration by final status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.RateLimitWait, err = m.Float64Histogram("vectory.ratelimit.wait",
		metric.WithDescription("Time spent waiting on the shared provider rate limiter."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedBatchSize, err = m.Int64Histogram("vectory.embed.batch_size",
		metric.WithDescription("Number of chunks per embedding provider call."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksProcessed, err = m.Int64Counter("vectory.chunks.processed",
		metric.WithDescription("Total chunks embedded and stored."),
	); err != nil {
		return nil, err
	}
	if met.ChunksFailed, err = m.Int64Counter("vectory.chunks.failed",
		metric.WithDescription("Total chunks failed by reason."),
	); err != nil {
		return nil, err
	}
	if met.JobTransitions, err = m.Int64Counter("vectory.job.transitions",
		metric.WithDescription("Total job state transitions by target status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("vectory.active_jobs",
		metric.WithDescription("Number of ingestion jobs currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vectory.http.request.duration",
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

// RecordEmbedCall records one embedding provider call: its latency, batch
// size, and outcome. All record helpers are nil-safe so pipeline components
// can run without metrics in tests.
func (m *Metrics) RecordEmbedCall(ctx context.Context, provider string, batchSize int, d time.Duration, status string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.EmbedDuration.Record(ctx, d.Seconds(), attrs)
	m.EmbedBatchSize.Record(ctx, int64(batchSize), attrs)
}

// RecordBulkWrite records one vector store bulk insert.
func (m *Metrics) RecordBulkWrite(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.BulkWriteDuration.Record(ctx, d.Seconds())
}

// RecordRateLimitWait records time spent waiting for a rate limiter permit.
func (m *Metrics) RecordRateLimitWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Record(ctx, d.Seconds())
}

// RecordChunks records processed and failed chunk counts for one bulk group.
func (m *Metrics) RecordChunks(ctx context.Context, processed, failed int, failReason string) {
	if m == nil {
		return
	}
	if processed > 0 {
		m.ChunksProcessed.Add(ctx, int64(processed))
	}
	if failed > 0 {
		m.ChunksFailed.Add(ctx, int64(failed),
			metric.WithAttributes(attribute.String("reason", failReason)))
	}
}

// RecordJobTransition records a job state transition.
func (m *Metrics) RecordJobTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordJobDone records a finished job's total duration and final status,
// and decrements the active-job gauge.
func (m *Metrics) RecordJobDone(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	m.ActiveJobs.Add(ctx, -1)
}

// RecordJobStart increments the active-job gauge.
func (m *Metrics) RecordJobStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveJobs.Add(ctx, 1)
}
