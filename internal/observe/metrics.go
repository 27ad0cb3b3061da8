// Package observe provides application-wide observability primitives for
// OmniFlow: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so the same instruments can be
// scraped from /metrics. A package-level [DefaultMetrics] is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all OmniFlow metrics.
const meterName = "github.com/MrWong99/omniflow"

// Call outcomes recorded by [Metrics.RecordCall].
const (
	OutcomeLive      = "live"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Calls ---

	// Calls counts Start attempts by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	Calls metric.Int64Counter

	// CallSetupDuration tracks the time from Start to Live.
	CallSetupDuration metric.Float64Histogram

	// CallDuration tracks how long calls stayed live.
	CallDuration metric.Float64Histogram

	// ActiveCalls is 1 while a call is live.
	ActiveCalls metric.Int64UpDownCounter

	// SessionErrors counts fatal session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Audio ---

	// FramesSent counts capture frames transmitted to the remote session.
	FramesSent metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks handed to playback.
	ChunksScheduled metric.Int64Counter

	// PlaybackUnderruns counts chunks that arrived after the playback cursor
	// had already passed, leaving an audible gap.
	PlaybackUnderruns metric.Int64Counter

	// DecodeFailures counts inbound payloads dropped because they could not
	// be decoded.
	DecodeFailures metric.Int64Counter

	// --- Providers ---

	// TTSDuration tracks voice-guide synthesis latency.
	TTSDuration metric.Float64Histogram

	// LLMDuration tracks concierge completion latency. Use with attributes:
	//   attribute.String("kind", "quote"|"chat")
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) for setup and synthesis.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// callBuckets are histogram boundaries (seconds) for call length.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Calls.
	if met.Calls, err = m.Int64Counter("omniflow.dialer.calls",
		metric.WithDescription("Call attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallSetupDuration, err = m.Float64Histogram("omniflow.dialer.setup.duration",
		metric.WithDescription("Time from call start until the agent is live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("omniflow.dialer.call.duration",
		metric.WithDescription("Length of live calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("omniflow.dialer.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("omniflow.dialer.errors",
		metric.WithDescription("Fatal session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.FramesSent, err = m.Int64Counter("omniflow.audio.frames_sent",
		metric.WithDescription("Capture frames transmitted to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("omniflow.audio.chunks_scheduled",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("omniflow.audio.underruns",
		metric.WithDescription("Inbound chunks that arrived after the playback cursor."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("omniflow.audio.decode_failures",
		metric.WithDescription("Inbound payloads dropped as undecodable."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.TTSDuration, err = m.Float64Histogram("omniflow.tts.duration",
		metric.WithDescription("Latency of voice-guide synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("omniflow.llm.duration",
		metric.WithDescription("Latency of concierge completions, to the first chunk for streams."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("omniflow.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("omniflow.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("omniflow.http.request.duration",
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
// fails (should not happen with the global provider).
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

// RecordCall counts one call attempt with the given outcome.
func (m *Metrics) RecordCall(ctx context.Context, outcome string) {
	m.Calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionError counts one fatal session error of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
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
