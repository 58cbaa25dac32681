// Package observe provides application-wide observability primitives for
// Cadence: OpenTelemetry metrics, structured logging helpers, and the
// Prometheus exporter bridge.
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

// meterName is the instrumentation scope name used for all Cadence metrics.
const meterName = "github.com/cadence-voice/cadence"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid and records nothing, so
// callers do not have to guard every call site.
type Metrics struct {
	// --- Latency histograms per turn phase ---

	// TurnDuration tracks full user-speaks to agent-finishes turn latency.
	TurnDuration metric.Float64Histogram

	// LLMFirstSentence tracks speech-end to first usable LLM sentence.
	LLMFirstSentence metric.Float64Histogram

	// TTSFirstAudio tracks speech-end to first synthesized audio chunk.
	TTSFirstAudio metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.Bool("interrupted", ...)
	Turns metric.Int64Counter

	// CancelledTurns counts speculative generations abandoned because the
	// user resumed speaking.
	CancelledTurns metric.Int64Counter

	// DroppedAudioChunks counts audio chunks dropped by the STT send queue.
	DroppedAudioChunks metric.Int64Counter

	// --- Error counters ---

	// TurnErrors counts turn-level errors. Use with attribute:
	//   attribute.String("code", ...)
	TurnErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.TurnDuration, err = m.Float64Histogram("cadence.turn.duration",
		metric.WithDescription("Full turn latency from first audio to turn completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstSentence, err = m.Float64Histogram("cadence.llm.first_sentence",
		metric.WithDescription("Latency from speech end to first usable LLM sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("cadence.tts.first_audio",
		metric.WithDescription("Latency from speech end to first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("cadence.turns",
		metric.WithDescription("Total completed turns by interruption status."),
	); err != nil {
		return nil, err
	}
	if met.CancelledTurns, err = m.Int64Counter("cadence.turns.cancelled",
		metric.WithDescription("Total speculative generations cancelled because the user resumed."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudioChunks, err = m.Int64Counter("cadence.stt.dropped_chunks",
		metric.WithDescription("Total audio chunks dropped by the STT send queue."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TurnErrors, err = m.Int64Counter("cadence.turn.errors",
		metric.WithDescription("Total turn-level errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadence.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordTurn records a completed turn with its duration and interruption
// status.
func (m *Metrics) RecordTurn(ctx context.Context, duration time.Duration, interrupted bool) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("interrupted", interrupted)))
	m.TurnDuration.Record(ctx, duration.Seconds())
}

// RecordCancelledTurn records an abandoned speculative generation.
func (m *Metrics) RecordCancelledTurn(ctx context.Context) {
	if m == nil {
		return
	}
	m.CancelledTurns.Add(ctx, 1)
}

// RecordDroppedAudioChunk records one audio chunk dropped by a full STT send
// queue.
func (m *Metrics) RecordDroppedAudioChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.DroppedAudioChunks.Add(ctx, 1)
}

// RecordTurnError records a turn-level error counter increment by code.
func (m *Metrics) RecordTurnError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.TurnErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordLLMFirstSentence records the speech-end to first-sentence latency.
func (m *Metrics) RecordLLMFirstSentence(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMFirstSentence.Record(ctx, d.Seconds())
}

// RecordTTSFirstAudio records the speech-end to first-audio latency.
func (m *Metrics) RecordTTSFirstAudio(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TTSFirstAudio.Record(ctx, d.Seconds())
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
