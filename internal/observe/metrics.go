// Package observe holds the telemetry of the voice loop: OpenTelemetry
// instruments for every turn stage, turn and request spans, trace-aware
// loggers and the control API middleware. [InitProvider] exports the
// instruments to Prometheus; tests build their own [Metrics] over a manual
// reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/MrWong99/voxloop"

// Stage names used with [Metrics.RecordStage].
const (
	StageCapture       = "capture"
	StageTranscription = "transcription"
	StageAnalysis      = "analysis"
	StageSynthesis     = "synthesis"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// CaptureDuration tracks the length of finalized capture artifacts.
	CaptureDuration metric.Float64Histogram

	// TranscriptionDuration tracks the time from end of audio to a resolved
	// transcript (or timeout).
	TranscriptionDuration metric.Float64Histogram

	// AnalysisDuration tracks the round trip of one analysis request.
	AnalysisDuration metric.Float64Histogram

	// SynthesisDuration tracks synthesis plus playback of one response.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns.
	Turns metric.Int64Counter

	// DiscardedWindows counts voice windows shorter than the minimum voice
	// duration.
	DiscardedWindows metric.Int64Counter

	// IgnoredOnsets counts onsets dropped by the orchestrator. Use with
	// attribute:
	//   attribute.String("reason", ...)
	IgnoredOnsets metric.Int64Counter

	// TranscriptionTimeouts counts transcripts that did not resolve in time.
	TranscriptionTimeouts metric.Int64Counter

	// ReconnectAttempts counts realtime transport reconnect attempts.
	ReconnectAttempts metric.Int64Counter

	// TransportFallbacks counts permanent switches to the fallback transport.
	TransportFallbacks metric.Int64Counter

	// Notices counts user-visible notices. Use with attribute:
	//   attribute.String("kind", ...)
	Notices metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// State reports the orchestrator state as its numeric value.
	State metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	stages map[string]metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-loop latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("voxloop.capture.duration",
		metric.WithDescription("Length of finalized capture artifacts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("voxloop.transcription.duration",
		metric.WithDescription("Latency from end of audio to a resolved transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("voxloop.analysis.duration",
		metric.WithDescription("Latency of one analysis request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("voxloop.synthesis.duration",
		metric.WithDescription("Synthesis and playback time of one response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxloop.turns",
		metric.WithDescription("Total completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedWindows, err = m.Int64Counter("voxloop.windows.discarded",
		metric.WithDescription("Voice windows discarded as too short."),
	); err != nil {
		return nil, err
	}
	if met.IgnoredOnsets, err = m.Int64Counter("voxloop.onsets.ignored",
		metric.WithDescription("Voice onsets ignored by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionTimeouts, err = m.Int64Counter("voxloop.transcription.timeouts",
		metric.WithDescription("Transcripts that did not resolve before the timeout."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxloop.transport.reconnects",
		metric.WithDescription("Realtime transport reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.TransportFallbacks, err = m.Int64Counter("voxloop.transport.fallbacks",
		metric.WithDescription("Switches to the fallback transport."),
	); err != nil {
		return nil, err
	}
	if met.Notices, err = m.Int64Counter("voxloop.notices",
		metric.WithDescription("User-visible notices by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voxloop.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxloop.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.State, err = m.Int64Gauge("voxloop.state",
		metric.WithDescription("Current orchestrator state."),
	); err != nil {
		return nil, err
	}

	met.stages = map[string]metric.Float64Histogram{
		StageCapture:       met.CaptureDuration,
		StageTranscription: met.TranscriptionDuration,
		StageAnalysis:      met.AnalysisDuration,
		StageSynthesis:     met.SynthesisDuration,
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
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

// RecordStage records d against the histogram for stage. Unknown stages are
// ignored.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if h, ok := m.stages[stage]; ok {
		h.Record(ctx, d.Seconds())
	}
}

// RecordIgnoredOnset increments the ignored onset counter for reason.
func (m *Metrics) RecordIgnoredOnset(ctx context.Context, reason string) {
	m.IgnoredOnsets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordNotice increments the notice counter for kind.
func (m *Metrics) RecordNotice(ctx context.Context, kind string) {
	m.Notices.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
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
