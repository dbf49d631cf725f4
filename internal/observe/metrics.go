// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/voxline/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks full transcription latency (admission wait
	// excluded). Use with attributes:
	//   attribute.String("language", ...), attribute.String("status", ...)
	TranscriptionDuration metric.Float64Histogram

	// DetectionDuration tracks language-detection latency.
	DetectionDuration metric.Float64Histogram

	// --- Counters ---

	// TranscriptionRequests counts transcription requests by outcome. Use with
	// attribute: attribute.String("status", "ok"|"silence"|"error").
	TranscriptionRequests metric.Int64Counter

	// RequestsShed counts requests rejected with 503 by the admission gate.
	RequestsShed metric.Int64Counter

	// DecodeAttempts counts decoder invocations across the temperature
	// fallback chain. Use with attribute:
	//   attribute.String("outcome", "accepted"|"hallucination"|"silence")
	DecodeAttempts metric.Int64Counter

	// --- Gauges ---

	// ActiveTranscriptions tracks requests currently holding an admission slot.
	ActiveTranscriptions metric.Int64UpDownCounter

	// WaitingRequests tracks requests queued for an admission slot.
	WaitingRequests metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Decodes of
// a 30-second chunk on GPU land around a second; CPU decodes stretch far
// longer, hence the wide upper range.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("voxline.transcription.duration",
		metric.WithDescription("Latency of a transcription request, admission wait excluded."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectionDuration, err = m.Float64Histogram("voxline.language_detection.duration",
		metric.WithDescription("Latency of language detection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TranscriptionRequests, err = m.Int64Counter("voxline.transcription.requests",
		metric.WithDescription("Total transcription requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RequestsShed, err = m.Int64Counter("voxline.admission.shed",
		metric.WithDescription("Requests rejected with 503 by the admission gate."),
	); err != nil {
		return nil, err
	}
	if met.DecodeAttempts, err = m.Int64Counter("voxline.decode.attempts",
		metric.WithDescription("Decoder invocations across the temperature fallback chain, by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTranscriptions, err = m.Int64UpDownCounter("voxline.transcription.active",
		metric.WithDescription("Requests currently holding an admission slot."),
	); err != nil {
		return nil, err
	}
	if met.WaitingRequests, err = m.Int64UpDownCounter("voxline.admission.waiting",
		metric.WithDescription("Requests queued for an admission slot."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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

// RecordTranscription records a finished transcription request: one count and
// one latency sample with the standard attribute set.
func (m *Metrics) RecordTranscription(ctx context.Context, language, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("status", status),
	)
	m.TranscriptionRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.TranscriptionDuration.Record(ctx, seconds, attrs)
}

// RecordShed records one request rejected by the admission gate.
func (m *Metrics) RecordShed(ctx context.Context, reason string) {
	m.RequestsShed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDecodeAttempt records one decoder invocation in the temperature
// fallback chain.
func (m *Metrics) RecordDecodeAttempt(ctx context.Context, outcome string) {
	m.DecodeAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
