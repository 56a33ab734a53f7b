// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time conversational speech service that accepts
// raw microphone audio and returns synthesised speech in a single, stateful
// session. Examples are Gemini Live and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a duplex channel with an ordered
// outbound queue and an inbound stream of tagged [Event] values. Sessions are
// long-lived (seconds to minutes) and end exactly once, with either a [Closed]
// or a [Failed] event.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/chati/pkg/audio"
)

var (
	// ErrSessionClosed is returned by Send once the session has been closed,
	// either locally or by the remote end.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrQueueFull is returned by Send when the outbound queue is at capacity.
	// The frame is not sent; later frames may still be accepted.
	ErrQueueFull = errors.New("s2s: outbound queue full")
)

// Modality is the kind of response requested from the model.
type Modality string

// ModalityAudio requests spoken responses. It is the only modality used by a
// voice session.
const ModalityAudio Modality = "AUDIO"

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's default model identifier. Empty keeps the
	// default.
	Model string

	// Voice is the provider-specific identifier of the prebuilt voice used for
	// synthesised speech, e.g. "Kore" for Gemini or "alloy" for OpenAI.
	Voice string

	// Instructions is the system instruction that frames the assistant.
	Instructions string

	// Modality is the requested response modality. Empty means [ModalityAudio].
	Modality Modality

	// InputSampleRate is the rate of outbound PCM16 frames. Zero means
	// [audio.CaptureSampleRate].
	InputSampleRate int
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// OutputSampleRate is the rate of synthesised PCM16 audio.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice identifiers available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly: Send is called on the audio uplink path and
// must never wait for network I/O. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Send enqueues an outbound PCM16 frame. Frames reach the wire in the order
	// Send was called. Send never blocks: it returns [ErrQueueFull] when the
	// queue is at capacity and [ErrSessionClosed] after the session ended.
	Send(frame audio.EncodedFrame) error

	// Events returns the inbound event stream. The stream starts with [Opened]
	// once the remote end is ready, carries [Message] and [Transcript] values
	// in wire order, and ends with exactly one terminal [Closed] or [Failed]
	// event, after which the channel is closed. A session closed locally with
	// Close does not emit a terminal event; the channel is simply closed.
	// Consumers must drain the channel promptly.
	Events() <-chan Event

	// Close requests a graceful shutdown and waits for the session's
	// goroutines to exit. Outbound frames still queued are discarded. Calling
	// Close more than once, or after the remote end closed, is safe.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the service and sends the session setup. It returns once
	// the connection is established; readiness is signalled later by an
	// [Opened] event.
	//
	// Returns an error if the session cannot be established (e.g., authentication
	// failure, unreachable host, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying model.
	Capabilities() Capabilities
}
