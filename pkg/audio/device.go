// Package audio defines the frame types, the PCM16 wire codec, the level meter
// and the device interfaces used by a voice session.
//
// The two device abstractions are:
//
//   - [InputDevice]: a microphone. Opening it acquires the hardware (and any
//     permission it requires) and returns an [InputStream] that pushes
//     fixed-size sample buffers to a callback once started.
//   - [OutputDevice]: a speaker. Opening it returns an [OutputStream] with a
//     monotonic clock on which buffers are scheduled to start at exact times.
//
// Implementations live in sibling packages: portaudio (hardware), wavfile
// (file-backed, for headless runs) and mock (tests). Device handles are never
// global: every stream is owned by exactly one caller and must be closed by it.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user or the operating system
	// refuses access to a capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when a device cannot be opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// InputDevice is a source of microphone audio.
type InputDevice interface {
	// Open acquires the device with the requested format. Once the returned
	// stream is started, cb is invoked from the device's own goroutine with
	// exactly frameSize samples per call. cb must not retain the slice.
	Open(ctx context.Context, format Format, frameSize int, cb func(samples []float32)) (InputStream, error)
}

// InputStream is an acquired microphone.
type InputStream interface {
	// Start begins delivering buffers to the callback passed to Open.
	Start() error

	// Close stops delivery and releases the device. After Close returns the
	// callback is not invoked again. Close is idempotent.
	Close() error
}

// OutputDevice is a sink for synthesised audio.
type OutputDevice interface {
	// Open acquires the device with the requested format.
	Open(ctx context.Context, format Format) (OutputStream, error)
}

// OutputStream is an acquired speaker with its own playback clock.
type OutputStream interface {
	// Now returns the current reading of the device clock. The clock never
	// decreases.
	Now() time.Duration

	// Play schedules samples to begin at device time at. If at is already in
	// the past, playback starts immediately. onEnded is called exactly once,
	// from an arbitrary goroutine, when the buffer finishes or is stopped. It
	// is never called from within Play itself.
	Play(samples []float32, at time.Duration, onEnded func()) (Handle, error)

	// Close stops all scheduled buffers and releases the device. Idempotent.
	Close() error
}

// Handle is a buffer scheduled on an [OutputStream].
type Handle interface {
	// Stop cuts the buffer short. Stopping a finished buffer is a no-op.
	Stop()
}
