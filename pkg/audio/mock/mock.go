// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every open so that tests
// can assert on call counts and arguments, and they expose exported fields that
// the test can set to control return values.
//
// The input mock never produces audio on its own: tests push buffers through
// [InputStream.Push]. The output mock never advances its clock on its own:
// tests move time with [OutputDevice.Advance], which ends every buffer whose
// scheduled range has elapsed.
//
// Typical usage:
//
//	mic := &mock.InputDevice{}
//	speaker := mock.NewOutputDevice()
//	// ... hand both to the code under test ...
//	mic.Stream().Push(make([]float32, 4096))
//	speaker.Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/chati/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)

// errStreamClosed is returned by [OutputStream.Play] after Close.
var errStreamClosed = errors.New("mock: output stream closed")

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputOpenCall records a single invocation of [InputDevice.Open].
type InputOpenCall struct {
	Format    audio.Format
	FrameSize int
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenFunc, when set, is called at the start of Open. A non-nil return
	// value fails the open. Use it to block or to observe concurrency.
	OpenFunc func(ctx context.Context) error

	// StartErr is returned by every opened stream's Start.
	StartErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []InputOpenCall

	streams []*InputStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(ctx context.Context, format audio.Format, frameSize int, cb func([]float32)) (audio.InputStream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, InputOpenCall{Format: format, FrameSize: frameSize})
	hook := d.OpenFunc
	openErr := d.OpenErr
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	s := &InputStream{frameSize: frameSize, cb: cb, startErr: d.StartErr}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenCount returns the number of Open calls.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// InputStream is the stream returned by [InputDevice.Open].
type InputStream struct {
	// mu is held for the duration of a callback so that Close waits for an
	// in-flight delivery.
	mu        sync.Mutex
	frameSize int
	cb        func([]float32)
	startErr  error
	started   bool
	closed    bool
	closes    int
}

// Start implements [audio.InputStream].
func (s *InputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

// Push delivers samples to the callback, synchronously, if the stream is
// started and open. It reports whether the callback ran. Short buffers are
// zero-padded to the frame size, as a hardware driver would.
func (s *InputStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return false
	}
	buf := samples
	if len(buf) < s.frameSize {
		buf = make([]float32, s.frameSize)
		copy(buf, samples)
	}
	s.cb(buf[:s.frameSize])
	return true
}

// Started reports whether Start has been called successfully.
func (s *InputStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *InputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice] driven by a
// manual clock shared by all of its streams.
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenFormats records the format of every call to Open in order.
	OpenFormats []audio.Format

	now     time.Duration
	streams []*OutputStream
}

// NewOutputDevice returns an OutputDevice whose clock reads zero.
func NewOutputDevice() *OutputDevice {
	return &OutputDevice{}
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenFormats = append(d.OpenFormats, format)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{dev: d, format: format}
	d.streams = append(d.streams, s)
	return s, nil
}

// OpenCount returns the number of Open calls.
func (d *OutputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenFormats)
}

// Stream returns the most recently opened stream, or nil.
func (d *OutputDevice) Stream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Now returns the current clock reading.
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Set moves the clock to t without ending any buffer. t must not be earlier
// than the current reading.
func (d *OutputDevice) Set(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t > d.now {
		d.now = t
	}
}

// Advance moves the clock forward by dt and ends every buffer, on every
// stream, whose scheduled range has fully elapsed.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	d.now += dt
	now := d.now
	streams := append([]*OutputStream(nil), d.streams...)
	d.mu.Unlock()

	for _, s := range streams {
		s.finishUntil(now)
	}
}

// Play records a single buffer scheduled on an [OutputStream].
type Play struct {
	Samples  []float32
	At       time.Duration
	Duration time.Duration

	stream  *OutputStream
	onEnded func()
	ended   bool
	stopped bool
}

// Stop implements [audio.Handle].
func (p *Play) Stop() {
	s := p.stream
	s.mu.Lock()
	if p.ended {
		s.mu.Unlock()
		return
	}
	p.ended = true
	p.stopped = true
	cb := p.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// PlayRecord is a snapshot of a [Play].
type PlayRecord struct {
	At       time.Duration
	Duration time.Duration
	Samples  int
	Ended    bool
	Stopped  bool
}

// OutputStream is the stream returned by [OutputDevice.Open].
type OutputStream struct {
	dev    *OutputDevice
	format audio.Format

	mu     sync.Mutex
	plays  []*Play
	closed bool
	closes int
}

// Now implements [audio.OutputStream].
func (s *OutputStream) Now() time.Duration { return s.dev.Now() }

// Play implements [audio.OutputStream].
func (s *OutputStream) Play(samples []float32, at time.Duration, onEnded func()) (audio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStreamClosed
	}
	p := &Play{
		Samples:  samples,
		At:       at,
		Duration: audio.Frame{Samples: samples, SampleRate: s.format.SampleRate, Channels: 1}.Duration(),
		stream:   s,
		onEnded:  onEnded,
	}
	s.plays = append(s.plays, p)
	return p, nil
}

// Close implements [audio.OutputStream]. Unfinished buffers are stopped.
func (s *OutputStream) Close() error {
	s.mu.Lock()
	s.closes++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var pending []*Play
	for _, p := range s.plays {
		if !p.ended {
			pending = append(pending, p)
		}
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.Stop()
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Plays returns a snapshot of every buffer scheduled on the stream, in
// scheduling order.
func (s *OutputStream) Plays() []PlayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayRecord, len(s.plays))
	for i, p := range s.plays {
		out[i] = PlayRecord{
			At:       p.At,
			Duration: p.Duration,
			Samples:  len(p.Samples),
			Ended:    p.ended,
			Stopped:  p.stopped,
		}
	}
	return out
}

// finishUntil ends every buffer whose range ends at or before now.
func (s *OutputStream) finishUntil(now time.Duration) {
	s.mu.Lock()
	var done []func()
	for _, p := range s.plays {
		if p.ended {
			continue
		}
		start := max(p.At, 0)
		if start+p.Duration <= now {
			p.ended = true
			if p.onEnded != nil {
				done = append(done, p.onEnded)
			}
		}
	}
	s.mu.Unlock()

	for _, cb := range done {
		cb()
	}
}
