package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumByAttr returns the value of the data point whose attribute key equals
// value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordStage(ctx, "embedding", 120*time.Millisecond)
	m.RecordStage(ctx, "embedding", 80*time.Millisecond)
	m.RecordStage(ctx, "clustering", time.Second)

	met := findMetric(collect(t, reader), "contentid.stage.duration")
	if met == nil {
		t.Fatal("stage histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("stage metric is not a histogram")
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("stage")
		counts[v.AsString()] = dp.Count
	}
	if counts["embedding"] != 2 || counts["clustering"] != 1 {
		t.Errorf("stage counts = %v", counts)
	}
}

func TestRecordRunAndClusters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordRun(ctx, "completed")
	m.RecordRun(ctx, "completed")
	m.RecordRun(ctx, "cancelled")
	m.RecordClusters(ctx, 4, 2)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "contentid.runs", "status", "completed"); got != 2 {
		t.Errorf("completed runs = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "contentid.clusters", "kind", "singleton"); got != 4 {
		t.Errorf("singletons = %d, want 4", got)
	}
	if got := sumByAttr(t, rm, "contentid.clusters", "kind", "group"); got != 2 {
		t.Errorf("groups = %d, want 2", got)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordProviderRequest(ctx, "ollama", "embeddings", nil)
	m.RecordProviderRequest(ctx, "ollama", "embeddings", nil)
	m.RecordProviderRequest(ctx, "ollama", "embeddings", errors.New("boom"))

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "contentid.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "contentid.provider.errors", "provider", "ollama"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestActiveRuns(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, -1)

	met := findMetric(collect(t, reader), "contentid.active_runs")
	if met == nil {
		t.Fatal("active runs metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("unexpected data %+v", met.Data)
	}
	if sum.IsMonotonic {
		t.Error("active runs must not be monotonic")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active runs = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
