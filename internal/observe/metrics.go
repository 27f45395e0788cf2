// Package observe provides the observability primitives shared by the
// clustering pipeline and the command: OpenTelemetry metrics and tracing,
// trace-aware structured logging, and HTTP middleware for the metrics
// endpoint.
//
// Instruments are created through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter so the same instruments can be scraped from
// /metrics. Tests should build their own [Metrics] with [NewMetrics] and a
// ManualReader instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/contentid"

// Metrics holds the instruments recorded by a pipeline run. All fields are
// safe for concurrent use.
type Metrics struct {
	// StageDuration tracks the wall time of each pipeline stage. Attribute:
	//   stage
	StageDuration metric.Float64Histogram

	// Runs counts finished runs. Attribute:
	//   status (completed, failed, cancelled)
	Runs metric.Int64Counter

	// ItemsEmbedded counts texts sent through an embedding backend.
	ItemsEmbedded metric.Int64Counter

	// Clusters counts produced clusters. Attribute:
	//   kind (singleton, group)
	Clusters metric.Int64Counter

	// ProviderRequests counts calls to external backends. Attributes:
	//   provider, kind, status
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed backend calls. Attributes:
	//   provider, kind
	ProviderErrors metric.Int64Counter

	// ActiveRuns is the number of runs in progress.
	ActiveRuns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks requests served by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets spans a few milliseconds for tiny corpora up to several
// minutes for remote embedding of large ones.
var stageBuckets = []float64{
	0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("contentid.stage.duration",
		metric.WithDescription("Wall time of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Runs, err = m.Int64Counter("contentid.runs",
		metric.WithDescription("Finished pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.ItemsEmbedded, err = m.Int64Counter("contentid.items.embedded",
		metric.WithDescription("Texts embedded."),
	); err != nil {
		return nil, err
	}
	if met.Clusters, err = m.Int64Counter("contentid.clusters",
		metric.WithDescription("Clusters produced by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("contentid.provider.requests",
		metric.WithDescription("Backend requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("contentid.provider.errors",
		metric.WithDescription("Backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("contentid.active_runs",
		metric.WithDescription("Pipeline runs in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("contentid.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordClusters counts singletons and multi-member groups separately.
func (m *Metrics) RecordClusters(ctx context.Context, singletons, groups int) {
	m.Clusters.Add(ctx, int64(singletons), metric.WithAttributes(Attr("kind", "singleton")))
	m.Clusters.Add(ctx, int64(groups), metric.WithAttributes(Attr("kind", "group")))
}

// RecordProviderRequest counts one backend call. A non-nil err also counts a
// provider error.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
		Attr("status", status),
	))
}
