// Package observe provides the observability primitives shared by the
// voxmatch CLI and service: OpenTelemetry metrics, tracing, trace-aware
// logging and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus format via [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxmatch metrics.
const meterName = "github.com/MrWong99/voxmatch"

// Conversion outcome labels used with [Metrics.RecordConversion].
const (
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConversionDuration tracks wall time of a whole conversion run.
	ConversionDuration metric.Float64Histogram

	// FrameDuration tracks per-frame processing time.
	FrameDuration metric.Float64Histogram

	// PitchDuration tracks pitch tracking of one input buffer.
	PitchDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Conversions counts finished conversions. Use with attribute:
	//   attribute.String("status", ...)
	Conversions metric.Int64Counter

	// FramesProcessed counts frames that went through the frame loop.
	FramesProcessed metric.Int64Counter

	// ReplacedSamples counts non-finite filter outputs replaced with silence.
	ReplacedSamples metric.Int64Counter

	// PitchShifts counts frames that were pitch corrected.
	PitchShifts metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversions tracks conversions that have been submitted and not
	// yet reached a terminal state.
	ActiveConversions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversion and synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// frameBuckets covers per-frame work, which is far below a millisecond for
// small orders and a few milliseconds with pitch correction.
var frameBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConversionDuration, err = m.Float64Histogram("voxmatch.conversion.duration",
		metric.WithDescription("Wall time of a voice conversion run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("voxmatch.frame.duration",
		metric.WithDescription("Processing time of a single analysis frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PitchDuration, err = m.Float64Histogram("voxmatch.pitch.duration",
		metric.WithDescription("Latency of pitch tracking one input."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxmatch.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Conversions, err = m.Int64Counter("voxmatch.conversions",
		metric.WithDescription("Total finished conversions by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("voxmatch.frames.processed",
		metric.WithDescription("Total frames processed by the conversion loop."),
	); err != nil {
		return nil, err
	}
	if met.ReplacedSamples, err = m.Int64Counter("voxmatch.samples.replaced",
		metric.WithDescription("Non-finite filter output samples replaced with silence."),
	); err != nil {
		return nil, err
	}
	if met.PitchShifts, err = m.Int64Counter("voxmatch.pitch.shifts",
		metric.WithDescription("Frames whose pitch was corrected."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voxmatch.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxmatch.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversions, err = m.Int64UpDownCounter("voxmatch.active_conversions",
		metric.WithDescription("Number of conversions in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmatch.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConversion records a finished conversion with its status and wall
// time in seconds.
func (m *Metrics) RecordConversion(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Conversions.Add(ctx, 1, attrs)
	m.ConversionDuration.Record(ctx, seconds, attrs)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
