// Package observe provides application-wide observability primitives for
// Polyglossa: OpenTelemetry metrics, distributed tracing, structured logging,
// latency ring buffers for per-room percentile snapshots, and HTTP middleware
// that ties them together.
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

// meterName is the instrumentation scope name used for all Polyglossa metrics.
const meterName = "github.com/MrWong99/polyglossa"

// Drop reasons recorded on [Metrics.SegmentsDropped].
const (
	DropDeadline   = "deadline"
	DropQueueFull  = "queue_full"
	DropSuperseded = "superseded"
	DropFailed     = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from utterance end to final transcript.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation request latency.
	TranslateDuration metric.Float64Histogram

	// TTSDuration tracks time from synthesis request to first audio frame.
	TTSDuration metric.Float64Histogram

	// SegmentLatency tracks end-to-end segment latency: first time a
	// segment was seen by the buffer to the first synthesized audio frame.
	SegmentLatency metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SegmentsTranslated counts completed translations. Use with attributes:
	//   attribute.String("source", ...), attribute.String("target", ...)
	SegmentsTranslated metric.Int64Counter

	// SegmentsDropped counts segments discarded before playback. Use with
	// attribute: attribute.String("reason", ...) — one of the Drop* consts.
	SegmentsDropped metric.Int64Counter

	// SegmentsMissed counts segments whose translation never completed.
	SegmentsMissed metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActivePipelines tracks the number of live interpretation pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// ActiveRooms tracks the number of rooms with a running room job.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all rooms.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies around the 500 ms playback ceiling.
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
	if met.STTDuration, err = m.Float64Histogram("polyglossa.stt.duration",
		metric.WithDescription("Latency from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("polyglossa.translate.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("polyglossa.tts.duration",
		metric.WithDescription("Latency from synthesis request to first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentLatency, err = m.Float64Histogram("polyglossa.segment.latency",
		metric.WithDescription("End-to-end segment latency from first sighting to first synthesized audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("polyglossa.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsTranslated, err = m.Int64Counter("polyglossa.segments.translated",
		metric.WithDescription("Total completed translations by language pair."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("polyglossa.segments.dropped",
		metric.WithDescription("Total segments discarded before playback, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsMissed, err = m.Int64Counter("polyglossa.segments.missed",
		metric.WithDescription("Total segments whose translation never completed."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("polyglossa.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePipelines, err = m.Int64UpDownCounter("polyglossa.active_pipelines",
		metric.WithDescription("Number of live interpretation pipelines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("polyglossa.active_rooms",
		metric.WithDescription("Number of rooms with a running room job."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("polyglossa.active_participants",
		metric.WithDescription("Number of connected participants across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("polyglossa.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTranslation is a convenience method that records one completed
// translation for the given language pair.
func (m *Metrics) RecordTranslation(ctx context.Context, source, target string) {
	m.SegmentsTranslated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("target", target),
		),
	)
}

// RecordSegmentDrop is a convenience method that records one dropped
// segment with the given reason (one of the Drop* constants).
func (m *Metrics) RecordSegmentDrop(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
