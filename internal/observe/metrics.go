// Package observe provides the observability primitives for the intervox
// relay: OpenTelemetry metrics, distributed tracing, trace-aware structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/intervox"

// Outcome labels for [Metrics.Commits].
const (
	CommitCommitted = "committed"
	CommitCleared   = "cleared"
	CommitRejected  = "rejected"
	CommitServer    = "server"
)

// Direction labels for [Metrics.MessagesDropped].
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds all OpenTelemetry instruments of the relay. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// --- Sessions and turns ---

	// ActiveSessions tracks live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Turns counts closed question turns. Attribute: reason.
	Turns metric.Int64Counter

	// BargeIns counts replies cancelled because the candidate spoke.
	BargeIns metric.Int64Counter

	// AutoAdvances counts auto_advance notifications.
	AutoAdvances metric.Int64Counter

	// --- Audio ---

	// AudioBatches counts input_audio_buffer.append events sent upstream.
	AudioBatches metric.Int64Counter

	// AudioBytes counts PCM bytes sent upstream, at the client's rate.
	AudioBytes metric.Int64Counter

	// AudioDropped counts inbound audio frames discarded. Attribute: reason.
	AudioDropped metric.Int64Counter

	// Commits counts end-of-utterance decisions. Attribute: outcome.
	Commits metric.Int64Counter

	// --- Errors and back-pressure ---

	// UpstreamErrors counts error events and transport failures from the
	// Realtime API. Attribute: kind.
	UpstreamErrors metric.Int64Counter

	// MessagesDropped counts messages discarded because an outbox was full.
	// Attribute: direction.
	MessagesDropped metric.Int64Counter

	// TranscriptsFiltered counts transcripts suppressed by the filter.
	// Attribute: reason.
	TranscriptsFiltered metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes.
	// Attributes: breaker, to.
	BreakerTransitions metric.Int64Counter

	// --- Latency ---

	// ReplyLatency is the time from the end-of-speech commit to the first
	// audio delta of the reply.
	ReplyLatency metric.Float64Histogram

	// AnalysisDuration tracks answer analysis latency. Attribute: status.
	AnalysisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for voice
// round trips and LLM grading calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "intervox.turns", "Closed question turns by close reason."},
		{&met.BargeIns, "intervox.barge_ins", "Interviewer replies cancelled by candidate speech."},
		{&met.AutoAdvances, "intervox.auto_advances", "auto_advance notifications sent to clients."},
		{&met.AudioBatches, "intervox.audio.batches", "Audio batches appended to the upstream buffer."},
		{&met.AudioBytes, "intervox.audio.bytes", "PCM bytes appended to the upstream buffer."},
		{&met.AudioDropped, "intervox.audio.dropped", "Inbound audio frames discarded by reason."},
		{&met.Commits, "intervox.commits", "End-of-utterance decisions by outcome."},
		{&met.UpstreamErrors, "intervox.upstream.errors", "Realtime API errors by kind."},
		{&met.MessagesDropped, "intervox.messages.dropped", "Messages dropped on a full outbox by direction."},
		{&met.TranscriptsFiltered, "intervox.transcripts.filtered", "Transcripts suppressed by the filter by reason."},
		{&met.BreakerTransitions, "intervox.breaker.transitions", "Circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("intervox.sessions.active",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	if met.ReplyLatency, err = m.Float64Histogram("intervox.reply.latency",
		metric.WithDescription("Time from end-of-speech commit to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("intervox.analysis.duration",
		metric.WithDescription("Latency of answer analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("intervox.http.request.duration",
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

// RecordCommit records one end-of-utterance decision.
func (m *Metrics) RecordCommit(ctx context.Context, outcome string) {
	m.Commits.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordDrop records one message dropped on a full outbox.
func (m *Metrics) RecordDrop(ctx context.Context, direction string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction)))
}

// RecordAudioDrop records one inbound audio frame discarded for reason.
func (m *Metrics) RecordAudioDrop(ctx context.Context, reason string) {
	m.AudioDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordBatch records one upstream append of n bytes.
func (m *Metrics) RecordBatch(ctx context.Context, n int) {
	m.AudioBatches.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
}

// RecordUpstreamError records one Realtime API failure of the given kind.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTurn records one closed turn.
func (m *Metrics) RecordTurn(ctx context.Context, reason string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordFiltered records one suppressed transcript.
func (m *Metrics) RecordFiltered(ctx context.Context, reason string) {
	m.TranscriptsFiltered.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("breaker", breaker),
		Attr("to", to),
	))
}
