package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"vectory.embed.duration", m.EmbedDuration},
		{"vectory.bulk_write.duration", m.BulkWriteDuration},
		{"vectory.job.duration", m.JobDuration},
		{"vectory.ratelimit.wait", m.RateLimitWait},
	}
	for _, h := range histograms {
		h.h.Record(ctx, 0.123)
	}

	rm := collect(t, reader)
	for _, h := range histograms {
		met := findMetric(rm, h.name)
		if met == nil {
			t.Errorf("histogram %q not found after recording", h.name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Errorf("histogram %q: unexpected data type %T", h.name, met.Data)
			continue
		}
		if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
			t.Errorf("histogram %q: want 1 data point with count 1, got %+v", h.name, hist.DataPoints)
		}
	}
}

func TestRecordEmbedCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEmbedCall(ctx, "openai", 32, 250*time.Millisecond, "ok")
	m.RecordEmbedCall(ctx, "openai", 16, 100*time.Millisecond, "ok")
	m.RecordEmbedCall(ctx, "openai", 32, 5*time.Second, "error")

	rm := collect(t, reader)
	met := findMetric(rm, "vectory.embed.batch_size")
	if met == nil {
		t.Fatal("vectory.embed.batch_size not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Fatalf("batch size observations = %d, want 3", total)
	}
}

func TestRecordChunks(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunks(ctx, 100, 0, "")
	m.RecordChunks(ctx, 50, 3, "embed")
	m.RecordChunks(ctx, 0, 2, "dimension_mismatch")

	rm := collect(t, reader)

	processed := findMetric(rm, "vectory.chunks.processed")
	if processed == nil {
		t.Fatal("vectory.chunks.processed not found")
	}
	sum, ok := processed.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", processed.Data)
	}
	var totalProcessed int64
	for _, dp := range sum.DataPoints {
		totalProcessed += dp.Value
	}
	if totalProcessed != 150 {
		t.Errorf("chunks processed = %d, want 150", totalProcessed)
	}

	failed := findMetric(rm, "vectory.chunks.failed")
	if failed == nil {
		t.Fatal("vectory.chunks.failed not found")
	}
	fsum, ok := failed.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", failed.Data)
	}
	var totalFailed int64
	reasons := map[string]bool{}
	for _, dp := range fsum.DataPoints {
		totalFailed += dp.Value
		if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok {
			reasons[v.AsString()] = true
		}
	}
	if totalFailed != 5 {
		t.Errorf("chunks failed = %d, want 5", totalFailed)
	}
	if !reasons["embed"] || !reasons["dimension_mismatch"] {
		t.Errorf("failure reasons = %v, want embed and dimension_mismatch", reasons)
	}
}

func TestJobTransitionCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobTransition(ctx, "processing")
	m.RecordJobTransition(ctx, "completed")
	m.RecordJobTransition(ctx, "completed")

	rm := collect(t, reader)
	met := findMetric(rm, "vectory.job.transitions")
	if met == nil {
		t.Fatal("vectory.job.transitions not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("job transitions = %d, want 3", total)
	}
}

func TestActiveJobsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobStart(ctx)
	m.RecordJobStart(ctx)
	m.RecordJobStart(ctx)
	m.RecordJobDone(ctx, time.Second, "completed")

	rm := collect(t, reader)
	met := findMetric(rm, "vectory.active_jobs")
	if met == nil {
		t.Fatal("vectory.active_jobs not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", met.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Fatalf("active jobs = %+v, want single data point with value 2", sum.DataPoints)
	}
}

func TestNilMetricsRecordHelpersAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic.
	m.RecordEmbedCall(ctx, "mock", 1, time.Millisecond, "ok")
	m.RecordBulkWrite(ctx, time.Millisecond)
	m.RecordRateLimitWait(ctx, time.Millisecond)
	m.RecordChunks(ctx, 1, 1, "embed")
	m.RecordJobTransition(ctx, "failed")
	m.RecordJobStart(ctx)
	m.RecordJobDone(ctx, time.Second, "failed")
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
