// Package observe provides application-wide observability primitives for
// lullaby: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all lullaby metrics.
const meterName = "github.com/MrWong99/lullaby"

// Chunk drop reasons used with [Metrics.RecordChunkDropped].
const (
	DropNotRecording = "not_recording"
	DropRole         = "role"
	DropStale        = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PipelineDuration tracks end-to-end chunk classification latency
	// (decode, normalise, spectrogram, inference).
	PipelineDuration metric.Float64Histogram

	// InferenceDuration tracks model call latency. Use with attribute:
	//   attribute.String("backend", ...)
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// DecodeTier counts successful decodes by the decoder that produced them.
	// Use with attribute: attribute.String("tier", ...)
	DecodeTier metric.Int64Counter

	// Classifications counts successful classifications. Use with attribute:
	//   attribute.String("label", ...)
	Classifications metric.Int64Counter

	// ChunksDropped counts binary frames discarded without classification.
	// Use with attribute: attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// BroadcastDropped counts events that could not be queued for a
	// connection because its outbound buffer was full or closed.
	BroadcastDropped metric.Int64Counter

	// Alerts counts alert notifications. Use with attributes:
	//   attribute.String("label", ...), attribute.String("status", ...)
	Alerts metric.Int64Counter

	// --- Error counters ---

	// ClassificationErrors counts pipeline failures. Use with attribute:
	//   attribute.String("kind", ...)
	ClassificationErrors metric.Int64Counter

	// ProviderErrors counts inference backend errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// StoreErrors counts failed persistence calls. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks attached websocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks subjects with at least one attached connection.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-chunk classification work.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("lullaby.pipeline.duration",
		metric.WithDescription("Latency of one chunk classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("lullaby.inference.duration",
		metric.WithDescription("Latency of the model call by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DecodeTier, err = m.Int64Counter("lullaby.decode.tier",
		metric.WithDescription("Successful decodes by decoder tier."),
	); err != nil {
		return nil, err
	}
	if met.Classifications, err = m.Int64Counter("lullaby.classifications",
		metric.WithDescription("Successful classifications by predicted label."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("lullaby.chunks.dropped",
		metric.WithDescription("Audio chunks discarded without classification by reason."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastDropped, err = m.Int64Counter("lullaby.broadcast.dropped",
		metric.WithDescription("Events not delivered to a connection."),
	); err != nil {
		return nil, err
	}
	if met.Alerts, err = m.Int64Counter("lullaby.alerts",
		metric.WithDescription("Alert notifications by label and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ClassificationErrors, err = m.Int64Counter("lullaby.classification.errors",
		metric.WithDescription("Failed classifications by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lullaby.provider.errors",
		metric.WithDescription("Inference backend errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("lullaby.store.errors",
		metric.WithDescription("Failed storage calls by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("lullaby.active_connections",
		metric.WithDescription("Number of attached streaming connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("lullaby.active_sessions",
		metric.WithDescription("Number of subjects with at least one attached connection."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lullaby.http.request.duration",
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

// RecordDecodeTier records which decoder handled a chunk.
func (m *Metrics) RecordDecodeTier(ctx context.Context, tier string) {
	m.DecodeTier.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordClassification records a successful classification.
func (m *Metrics) RecordClassification(ctx context.Context, label string) {
	m.Classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}

// RecordClassificationError records a pipeline failure of the given kind.
func (m *Metrics) RecordClassificationError(ctx context.Context, kind string) {
	m.ClassificationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChunkDropped records a discarded chunk. Use one of the Drop*
// constants as the reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError records an inference backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordStoreError records a failed storage call.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordAlert records an alert attempt with status "sent", "suppressed" or
// "error".
func (m *Metrics) RecordAlert(ctx context.Context, label, status string) {
	m.Alerts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("label", label),
			attribute.String("status", status),
		),
	)
}
