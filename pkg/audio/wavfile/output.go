package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/chati/pkg/audio"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// ErrStreamClosed is returned by Play after Close.
var ErrStreamClosed = errors.New("wavfile: output stream closed")

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
	_ audio.Handle       = (*play)(nil)
)

// OutputOption configures an [Output].
type OutputOption func(*Output)

// WithOutputLogger sets the logger. Defaults to slog.Default().
func WithOutputLogger(l *slog.Logger) OutputOption {
	return func(o *Output) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces the wall clock used to time buffer completion. Tests only.
func WithClock(now func() time.Time) OutputOption {
	return func(o *Output) {
		if now != nil {
			o.now = now
		}
	}
}

// Output is an [audio.OutputDevice] that records every opened stream to a
// new 16-bit mono WAV file in a directory. Buffers are written at their
// scheduled position, with silence filling any gap, so the file sounds like
// what a loudspeaker would have played.
type Output struct {
	dir string
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	paths []string
}

// NewOutput returns an Output writing into dir, which is created on first
// Open if missing.
func NewOutput(dir string, opts ...OutputOption) *Output {
	o := &Output{dir: dir, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Paths returns the files created so far, in creation order.
func (o *Output) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}

// Open creates chati-<uuid>.wav in the output directory.
func (o *Output) Open(ctx context.Context, format audio.Format) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid output format %s", format)
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w: %v", o.dir, audio.ErrDeviceUnavailable, err)
	}

	path := filepath.Join(o.dir, "chati-"+uuid.NewString()+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w: %v", path, audio.ErrDeviceUnavailable, err)
	}

	o.mu.Lock()
	o.paths = append(o.paths, path)
	o.mu.Unlock()
	o.log.Info("wavfile: recording output", "path", path, "format", format)

	return &outputStream{
		file:    f,
		enc:     wav.NewEncoder(f, format.SampleRate, 16, 1, wavFormatPCM),
		format:  &goaudio.Format{SampleRate: format.SampleRate, NumChannels: 1},
		rate:    format.SampleRate,
		now:     o.now,
		started: o.now(),
		log:     o.log.With("path", path),
		pending: make(map[*play]struct{}),
	}, nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

type outputStream struct {
	file   *os.File
	enc    *wav.Encoder
	format *goaudio.Format
	rate   int
	now    func() time.Time
	log    *slog.Logger

	started time.Time

	mu      sync.Mutex
	written int // samples in the file so far
	pending map[*play]struct{}
	closed  bool
}

// Now returns the time elapsed since Open.
func (s *outputStream) Now() time.Duration {
	return s.now().Sub(s.started)
}

// Play writes samples at the position for at and reports completion once
// the wall clock passes the end of the buffer. Overlapping buffers are
// appended after the last one instead of being mixed.
func (s *outputStream) Play(samples []float32, at time.Duration, onEnded func()) (audio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}

	start := max(s.offset(max(at, s.Now())), s.written)
	if gap := start - s.written; gap > 0 {
		if err := s.write(make([]float32, gap)); err != nil {
			return nil, err
		}
	}
	if err := s.write(samples); err != nil {
		return nil, err
	}

	end := s.duration(s.written)
	p := &play{stream: s, onEnded: onEnded}
	s.pending[p] = struct{}{}
	p.timer = time.AfterFunc(max(end-s.Now(), 0), p.finish)
	return p, nil
}

// Close stops pending buffers and finalises the WAV header.
func (s *outputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := make([]*play, 0, len(s.pending))
	for p := range s.pending {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.Stop()
	}

	err := errors.Join(s.enc.Close(), s.file.Close())
	if err != nil {
		return fmt.Errorf("wavfile: finalise: %w", err)
	}
	s.log.Debug("wavfile: output closed", "duration", s.duration(s.written))
	return nil
}

// write appends samples as 16-bit PCM. Must be called with s.mu held.
func (s *outputStream) write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(math.Round(float64(max(-1, min(1, v))) * math.MaxInt16))
	}
	if err := s.enc.Write(&goaudio.IntBuffer{Format: s.format, Data: data, SourceBitDepth: 16}); err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}
	s.written += len(samples)
	return nil
}

func (s *outputStream) offset(d time.Duration) int {
	return int(d * time.Duration(s.rate) / time.Second)
}

func (s *outputStream) duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(s.rate)
}

// ─── Handle ───────────────────────────────────────────────────────────────────

type play struct {
	stream  *outputStream
	timer   *time.Timer
	onEnded func()
	once    sync.Once
}

// Stop reports completion now. The samples stay in the file.
func (p *play) Stop() {
	p.timer.Stop()
	p.finish()
}

func (p *play) finish() {
	p.once.Do(func() {
		p.stream.mu.Lock()
		delete(p.stream.pending, p)
		p.stream.mu.Unlock()
		if p.onEnded != nil {
			p.onEnded()
		}
	})
}
