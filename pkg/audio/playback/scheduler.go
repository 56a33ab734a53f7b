// Package playback schedules decoded speech onto an output device so that
// consecutive buffers play back to back, without gaps or overlaps, no matter
// how irregularly they arrive.
//
// The [Scheduler] keeps a single cursor, the start time of the next buffer on
// the device clock. A buffer that arrives while earlier audio is still queued
// is appended at the cursor. A buffer that arrives after the cursor has fallen
// behind the clock starts immediately (catch-up) instead of being scheduled in
// the past.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chati/pkg/audio"
)

var (
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrDraining is returned by Schedule after Drain.
	ErrDraining = errors.New("playback: scheduler draining")
)

// Item describes a buffer placed on the output timeline.
type Item struct {
	Seq      uint64
	Start    time.Duration
	Duration time.Duration
	// Late reports that the cursor had fallen behind the clock and the buffer
	// was moved up to start immediately.
	Late bool
}

// End returns the time at which the item finishes.
func (i Item) End() time.Duration { return i.Start + i.Duration }

// Recorder receives scheduling events. Implemented by observe.Metrics.
type Recorder interface {
	RecordPlaybackScheduled(ctx context.Context, d time.Duration, late bool)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithFormat overrides the output format. Defaults to 24 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.format = f }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.rec = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler owns one output device. The device is opened on the first
// Schedule call and released by Reset, Close, or the end of a Drain.
// All methods are safe for concurrent use.
type Scheduler struct {
	dev    audio.OutputDevice
	format audio.Format
	rec    Recorder
	log    *slog.Logger

	mu       sync.Mutex
	stream   audio.OutputStream
	next     time.Duration
	anchored bool
	active   map[uint64]audio.Handle
	id       uint64
	draining bool
	closed   bool
}

// New creates a Scheduler over dev.
func New(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:    dev,
		format: audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1},
		log:    slog.Default(),
		active: make(map[uint64]audio.Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places f on the output timeline at the cursor, or at the current
// clock reading if the cursor has fallen behind, and advances the cursor by
// the frame's duration. The returned Item never overlaps a previously
// scheduled one.
func (s *Scheduler) Schedule(ctx context.Context, f audio.Frame) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return Item{}, ErrClosed
	case s.draining:
		return Item{}, ErrDraining
	}

	if s.stream == nil {
		stream, err := s.dev.Open(ctx, s.format)
		if err != nil {
			return Item{}, fmt.Errorf("playback: open device: %w", err)
		}
		s.stream = stream
	}

	if f.SampleRate == 0 {
		f.SampleRate = s.format.SampleRate
	}
	d := f.Duration()

	now := s.stream.Now()
	late := false
	if s.next < now {
		// Only a cursor that was already carrying audio counts as late.
		late = s.anchored
		s.next = now
	}
	start := s.next

	id := s.id
	s.id++
	h, err := s.stream.Play(f.Samples, start, func() { s.ended(id) })
	if err != nil {
		return Item{}, fmt.Errorf("playback: play: %w", err)
	}
	s.active[id] = h
	s.next += d
	s.anchored = true

	if s.rec != nil {
		s.rec.RecordPlaybackScheduled(ctx, d, late)
	}
	return Item{Seq: f.Seq, Start: start, Duration: d, Late: late}, nil
}

// Active returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Next returns the cursor: the start time of the next buffer if it arrives
// before the clock catches up. Zero means the cursor is not anchored.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Drain stops admitting buffers and lets the scheduled ones finish. The
// device is released when the last one ends, or immediately if none are
// active. A later Reset or Close still flushes whatever remains.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	var stream audio.OutputStream
	if len(s.active) == 0 {
		stream = s.detachLocked()
	}
	s.mu.Unlock()

	s.release(stream)
}

// Reset stops every active buffer, clears the active set, rewinds the cursor
// and releases the device. The scheduler can be used again afterwards.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.draining = false
	handles, stream := s.flushLocked()
	s.mu.Unlock()

	stopAll(handles)
	s.release(stream)
}

// Close is Reset followed by a permanent refusal of new buffers. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles, stream := s.flushLocked()
	s.mu.Unlock()

	stopAll(handles)
	s.release(stream)
}

// ended is the completion callback for buffer id.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	var stream audio.OutputStream
	if s.draining && len(s.active) == 0 {
		stream = s.detachLocked()
	}
	s.mu.Unlock()

	s.release(stream)
}

// flushLocked empties the active set and detaches the device. Must be called
// with s.mu held; the caller stops the handles and releases the stream after
// unlocking, because devices may invoke completion callbacks synchronously.
func (s *Scheduler) flushLocked() ([]audio.Handle, audio.OutputStream) {
	handles := make([]audio.Handle, 0, len(s.active))
	for id, h := range s.active {
		handles = append(handles, h)
		delete(s.active, id)
	}
	return handles, s.detachLocked()
}

// detachLocked rewinds the cursor and hands back the device. Must be called
// with s.mu held.
func (s *Scheduler) detachLocked() audio.OutputStream {
	stream := s.stream
	s.stream = nil
	s.next = 0
	s.anchored = false
	return stream
}

func (s *Scheduler) release(stream audio.OutputStream) {
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("playback: close device", "err", err)
	}
}

func stopAll(handles []audio.Handle) {
	for _, h := range handles {
		h.Stop()
	}
}
