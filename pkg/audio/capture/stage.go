// Package capture turns a microphone into a push-style sequence of
// fixed-size, sequence-numbered [audio.Frame] values.
//
// A [Stage] has three steps: Acquire opens the device (this is where a
// permission prompt or refusal happens), Start begins delivery to a consumer
// callback, and Stop releases the device. Stop is idempotent and guarantees
// that no frame is delivered after it returns.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/chati/pkg/audio"
)

// ErrStopped is returned by Acquire and Start once the stage has been stopped.
var ErrStopped = errors.New("capture: stage stopped")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Stage.
type Option func(*Stage)

// WithFormat overrides the capture format. Defaults to 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Stage) { s.format = f }
}

// WithFrameSize overrides the number of samples per frame. Defaults to 4096.
func WithFrameSize(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// WithLogger sets the logger used for device errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.log = l }
}

// ── Stage ──────────────────────────────────────────────────────────────────────

// Stage owns one input device for the lifetime of a voice session.
// All methods are safe for concurrent use.
type Stage struct {
	dev       audio.InputDevice
	format    audio.Format
	frameSize int
	log       *slog.Logger

	mu       sync.Mutex
	stream   audio.InputStream
	consumer func(audio.Frame)
	started  bool
	stopped  bool
	seq      uint64

	// inflight counts deliveries currently inside the consumer.
	inflight sync.WaitGroup
}

// New creates a Stage over dev. The device is not touched until Acquire.
func New(dev audio.InputDevice, opts ...Option) *Stage {
	s := &Stage{
		dev:       dev,
		format:    audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1},
		frameSize: audio.CaptureFrameSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format returns the capture format.
func (s *Stage) Format() audio.Format { return s.format }

// FrameSize returns the number of samples per frame.
func (s *Stage) FrameSize() int { return s.frameSize }

// Acquire opens the input device. It fails with an error wrapping
// [audio.ErrPermissionDenied] when access is refused. If Stop runs while the
// device is being opened, the device is released immediately and Acquire
// returns [ErrStopped].
func (s *Stage) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stream, err := s.dev.Open(ctx, s.format, s.frameSize, s.deliver)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	s.mu.Lock()
	if s.stopped || s.stream != nil {
		s.mu.Unlock()
		if err := stream.Close(); err != nil {
			s.log.Warn("capture: release device after stop", "err", err)
		}
		return ErrStopped
	}
	s.stream = stream
	s.mu.Unlock()
	return nil
}

// Start begins delivering frames to consumer. The consumer is invoked
// synchronously on the device's cadence and must return quickly; it receives
// ownership of each frame.
func (s *Stage) Start(consumer func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case s.stream == nil:
		return errors.New("capture: start before acquire")
	case s.started:
		return errors.New("capture: already started")
	}
	s.consumer = consumer
	if err := s.stream.Start(); err != nil {
		s.consumer = nil
		return fmt.Errorf("capture: start device: %w", err)
	}
	s.started = true
	return nil
}

// Stop releases the device. It waits for an in-flight delivery to return, so
// no frame reaches the consumer after Stop returns. Stop is idempotent; only
// the first call can return a device error.
func (s *Stage) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	var err error
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			err = fmt.Errorf("capture: close device: %w", cerr)
		}
	}
	s.inflight.Wait()
	return err
}

// Frames returns the number of frames delivered so far.
func (s *Stage) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// deliver is the device callback. It copies the driver's buffer into a new
// frame so the consumer may keep it.
func (s *Stage) deliver(samples []float32) {
	s.mu.Lock()
	if s.stopped || !s.started || s.consumer == nil {
		s.mu.Unlock()
		return
	}
	consumer := s.consumer
	seq := s.seq
	s.seq++
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	buf := make([]float32, len(samples))
	copy(buf, samples)
	consumer(audio.Frame{
		Samples:    buf,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Seq:        seq,
	})
}
