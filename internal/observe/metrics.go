// Package observe provides application-wide observability primitives for
// chati: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] wires a
// meter provider to a private Prometheus registry and hands back the scrape
// handler together with a ready [Metrics] instance. Tests use [NewMetrics]
// with their own [metric.MeterProvider].
//
// [Metrics] implements the recorder interfaces of the voice controller, the
// playback scheduler and the chat assistant, so a single instance can be
// handed to all of them.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all chati metrics.
const meterName = "github.com/MrWong99/chati"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice uplink ---

	// CaptureFrames counts microphone frames delivered by the capture stage.
	CaptureFrames metric.Int64Counter

	// InputLevel tracks the RMS level of captured frames.
	InputLevel metric.Float64Histogram

	// UplinkFrames counts frames handed to the transport. Use with attribute:
	//   attribute.String("outcome", "sent"|"dropped"|"error")
	UplinkFrames metric.Int64Counter

	// --- Voice downlink ---

	// InboundFrames counts audio payloads received from the speech service.
	// Use with attribute:
	//   attribute.String("status", "ok"|"malformed")
	InboundFrames metric.Int64Counter

	// PlaybackBuffers counts buffers placed on the output timeline. Use with
	// attribute:
	//   attribute.Bool("late", ...)
	PlaybackBuffers metric.Int64Counter

	// PlaybackAudio accumulates the seconds of audio scheduled for playback.
	PlaybackAudio metric.Float64Counter

	// --- Session lifecycle ---

	// StateTransitions counts controller state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ConnectDuration tracks the time from Connect to a settled outcome of
	// acquisition. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Text chat ---

	// ChatTurnDuration tracks the latency of a chat reply. Use with attribute:
	//   attribute.String("outcome", ...)
	ChatTurnDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks request latency on the operator endpoints,
	// labelled with method, route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection and model latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets spans silence to full-scale RMS.
var levelBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.7, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Uplink.
	if met.CaptureFrames, err = m.Int64Counter("chati.capture.frames",
		metric.WithDescription("Total microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.InputLevel, err = m.Float64Histogram("chati.capture.level",
		metric.WithDescription("RMS level of captured frames."),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UplinkFrames, err = m.Int64Counter("chati.uplink.frames",
		metric.WithDescription("Total frames handed to the transport by outcome."),
	); err != nil {
		return nil, err
	}

	// Downlink.
	if met.InboundFrames, err = m.Int64Counter("chati.downlink.frames",
		metric.WithDescription("Total audio payloads received by decode status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffers, err = m.Int64Counter("chati.playback.buffers",
		metric.WithDescription("Total buffers scheduled for playback, split by catch-up."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackAudio, err = m.Float64Counter("chati.playback.audio",
		metric.WithDescription("Seconds of audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Lifecycle.
	if met.StateTransitions, err = m.Int64Counter("chati.session.transitions",
		metric.WithDescription("Total voice session state transitions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("chati.session.connect.duration",
		metric.WithDescription("Latency of acquiring the microphone and the transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("chati.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// Chat.
	if met.ChatTurnDuration, err = m.Float64Histogram("chati.chat.turn.duration",
		metric.WithDescription("Latency of a text chat reply by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("chati.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("chati.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("chati.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("chati.http.request.duration",
		metric.WithDescription("Operator HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCaptureFrame records one captured frame and its RMS level.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, level float64) {
	m.CaptureFrames.Add(ctx, 1)
	m.InputLevel.Record(ctx, level)
}

// RecordUplink records the fate of one frame on its way to the transport.
func (m *Metrics) RecordUplink(ctx context.Context, outcome string) {
	m.UplinkFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInbound records one inbound audio payload.
func (m *Metrics) RecordInbound(ctx context.Context, malformed bool) {
	status := "ok"
	if malformed {
		status = "malformed"
	}
	m.InboundFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackScheduled records one buffer placed on the output timeline.
func (m *Metrics) RecordPlaybackScheduled(ctx context.Context, d time.Duration, late bool) {
	m.PlaybackBuffers.Add(ctx, 1, metric.WithAttributes(attribute.Bool("late", late)))
	m.PlaybackAudio.Add(ctx, d.Seconds())
}

// RecordStateTransition records a voice session state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConnect records how long acquisition took and whether it succeeded.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// AddActiveSessions adjusts the live session gauge by delta.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	m.ActiveSessions.Add(ctx, delta)
}

// RecordChatTurn records the latency and outcome of a chat reply.
func (m *Metrics) RecordChatTurn(ctx context.Context, d time.Duration, outcome string) {
	m.ChatTurnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
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

// RecordBreakerTransition records a circuit breaker state change. Its
// signature matches the breaker's state change hook once the states are
// rendered as strings.
func (m *Metrics) RecordBreakerTransition(breaker, from, to string) {
	m.BreakerTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// SessionAttr returns the attribute identifying a voice session in spans.
func SessionAttr(id string) attribute.KeyValue {
	return attribute.String("chati.session.id", id)
}
