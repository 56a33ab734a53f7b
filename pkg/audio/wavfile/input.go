// Package wavfile provides file-backed audio devices for headless runs.
//
// [Input] plays a WAV file into a voice session as if it were spoken into a
// microphone, resampled to the requested capture rate and paced in real time.
// [Output] records synthesised speech to a new WAV file per stream, laid out
// on the same timeline a loudspeaker would use.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/oov/audio/resampler"

	"github.com/MrWong99/chati/pkg/audio"
)

// resampleQuality is the oov resampler quality, 0 (fast) to 10 (best).
const resampleQuality = 10

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Input)(nil)
	_ audio.InputStream = (*inputStream)(nil)
)

// ─── Options ──────────────────────────────────────────────────────────────────

// InputOption configures an [Input].
type InputOption func(*Input)

// WithLoop restarts the file when it ends instead of continuing with silence.
func WithLoop(loop bool) InputOption {
	return func(in *Input) { in.loop = loop }
}

// WithPacing overrides the interval between delivered frames. The default is
// the frame's own duration, which reproduces a real microphone.
func WithPacing(d time.Duration) InputOption {
	return func(in *Input) {
		if d > 0 {
			in.pacing = d
		}
	}
}

// WithInputLogger sets the logger. Defaults to slog.Default().
func WithInputLogger(l *slog.Logger) InputOption {
	return func(in *Input) {
		if l != nil {
			in.log = l
		}
	}
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is an [audio.InputDevice] that reads a WAV file. Every Open decodes
// the file afresh, so one Input serves any number of sessions.
type Input struct {
	path   string
	loop   bool
	pacing time.Duration
	log    *slog.Logger
}

// NewInput returns an Input for the WAV file at path. The file is checked
// on every Open, not here.
func NewInput(path string, opts ...InputOption) *Input {
	in := &Input{path: path, log: slog.Default()}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Open decodes the file, mixes it down to mono and resamples it to
// format.SampleRate. A missing or undecodable file yields
// [audio.ErrDeviceUnavailable]; an unreadable one [audio.ErrPermissionDenied].
func (in *Input) Open(ctx context.Context, format audio.Format, frameSize int, cb func([]float32)) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("wavfile: frame size %d must be positive", frameSize)
	}
	samples, err := ReadMono(in.path, format.SampleRate)
	if err != nil {
		return nil, err
	}

	pacing := in.pacing
	if pacing == 0 {
		pacing = audio.Frame{Samples: make([]float32, frameSize), SampleRate: format.SampleRate, Channels: 1}.Duration()
	}
	in.log.Debug("wavfile: input opened",
		"path", in.path,
		"format", format,
		"duration", audio.Frame{Samples: samples, SampleRate: format.SampleRate, Channels: 1}.Duration(),
	)
	return &inputStream{
		samples:   samples,
		frameSize: frameSize,
		pacing:    pacing,
		loop:      in.loop,
		cb:        cb,
		done:      make(chan struct{}),
	}, nil
}

// ReadMono decodes the WAV file at path into mono float32 samples at rate.
// Channels are averaged. Samples are normalised by the file's bit depth.
func ReadMono(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("wavfile: open %q: %w", path, audio.ErrPermissionDenied)
		default:
			return nil, fmt.Errorf("wavfile: open %q: %w: %v", path, audio.ErrDeviceUnavailable, err)
		}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %q is not a valid WAV file: %w", path, audio.ErrDeviceUnavailable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}

	channels := max(buf.Format.NumChannels, 1)
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int(1) << (depth - 1))

	samples := make([]float32, len(buf.Data)-len(buf.Data)%channels)
	for i := range samples {
		samples[i] = float32(buf.Data[i]) / scale
	}

	return Resample(audio.DownmixToMono(samples, channels), buf.Format.SampleRate, rate), nil
}

// Resample converts mono samples from one rate to another. Equal or invalid
// rates return the input unchanged.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	r := resampler.New(1, from, to, resampleQuality)
	out := make([]float32, len(samples)*to/from+64)
	_, written := r.ProcessFloat32(0, samples, out)
	return out[:written]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

type inputStream struct {
	samples   []float32
	frameSize int
	pacing    time.Duration
	loop      bool
	cb        func([]float32)

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Start begins delivery on a dedicated goroutine.
func (s *inputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavfile: start after close")
	}
	if s.started {
		return nil
	}
	s.started = true
	s.wg.Go(s.run)
	return nil
}

// Close stops delivery and waits for an in-flight callback.
func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// run delivers the file frame by frame, then silence (or the file again) until
// Close.
func (s *inputStream) run() {
	ticker := time.NewTicker(s.pacing)
	defer ticker.Stop()

	buf := make([]float32, s.frameSize)
	pos := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		clear(buf)
		if pos < len(s.samples) {
			pos += copy(buf, s.samples[pos:])
		} else if s.loop && len(s.samples) > 0 {
			pos = copy(buf, s.samples)
		}
		s.cb(buf)
	}
}
