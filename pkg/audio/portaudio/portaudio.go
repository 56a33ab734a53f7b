// Package portaudio implements the audio device interfaces on the default
// system microphone and loudspeaker through PortAudio.
//
// PortAudio is initialised on the first Open and terminated when the last
// stream closes, so devices can be created freely and cost nothing until
// used. Building this package requires the PortAudio C library.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/chati/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
	_ audio.Handle       = (*item)(nil)
)

// ── Library lifetime ──────────────────────────────────────────────────────────

var (
	libMu   sync.Mutex
	libRefs int
)

func acquireLib() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialise: %w: %v", audio.ErrDeviceUnavailable, err)
		}
	}
	libRefs++
	return nil
}

func releaseLib() {
	libMu.Lock()
	defer libMu.Unlock()
	libRefs--
	if libRefs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate", "err", err)
		}
	}
}

// openErr classifies a stream open failure.
func openErr(kind string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access") {
		return fmt.Errorf("portaudio: open %s: %w: %v", kind, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: open %s: %w: %v", kind, audio.ErrDeviceUnavailable, err)
}

// ── Input ─────────────────────────────────────────────────────────────────────

// Input is the default system microphone.
type Input struct {
	log *slog.Logger
}

// NewInput returns the default microphone. A nil logger uses slog.Default().
func NewInput(log *slog.Logger) *Input {
	if log == nil {
		log = slog.Default()
	}
	return &Input{log: log}
}

// Open opens a mono capture stream delivering frameSize samples per callback.
func (d *Input) Open(ctx context.Context, format audio.Format, frameSize int, cb func([]float32)) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(format.SampleRate), frameSize, func(in []float32) {
		cb(in)
	})
	if err != nil {
		releaseLib()
		return nil, openErr("microphone", err)
	}
	d.log.Debug("portaudio: microphone opened", "format", format, "frame_size", frameSize)
	return &inputStream{stream: stream}, nil
}

type inputStream struct {
	stream *pa.Stream

	mu      sync.Mutex
	started bool
	closed  bool
}

func (s *inputStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio: start after close")
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start microphone: %w", err)
	}
	s.started = true
	return nil
}

// Close stops the stream. PortAudio's Stop waits for the callback in flight.
func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.started {
		err = s.stream.Stop()
	}
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	releaseLib()
	if err != nil {
		return fmt.Errorf("portaudio: close microphone: %w", err)
	}
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// framesPerBuffer of the output stream. At 24 kHz this is 10 ms, small
// enough for the scheduling clock to stay close to what is heard.
const framesPerBuffer = 240

// Output is the default system loudspeaker.
type Output struct {
	log *slog.Logger
}

// NewOutput returns the default loudspeaker. A nil logger uses slog.Default().
func NewOutput(log *slog.Logger) *Output {
	if log == nil {
		log = slog.Default()
	}
	return &Output{log: log}
}

// Open opens and starts a mono playback stream.
func (d *Output) Open(ctx context.Context, format audio.Format) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireLib(); err != nil {
		return nil, err
	}

	s := &outputStream{
		tl:      newTimeline(format.SampleRate),
		ended:   make(chan []func(), 64),
		stopped: make(chan struct{}),
		log:     d.log,
	}
	stream, err := pa.OpenDefaultStream(0, 1, float64(format.SampleRate), framesPerBuffer, s.callback)
	if err != nil {
		releaseLib()
		return nil, openErr("speaker", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releaseLib()
		return nil, fmt.Errorf("portaudio: start speaker: %w", err)
	}
	s.stream = stream
	go s.notify()

	d.log.Debug("portaudio: speaker opened", "format", format)
	return s, nil
}

type outputStream struct {
	stream *pa.Stream
	tl     *timeline
	log    *slog.Logger

	// ended carries completion callbacks off the audio thread. The notifier
	// may itself close the stream from a callback, so Close never waits for it.
	ended   chan []func()
	stopped chan struct{}

	closeOnce sync.Once
}

func (s *outputStream) Now() time.Duration { return s.tl.now() }

func (s *outputStream) Play(samples []float32, at time.Duration, onEnded func()) (audio.Handle, error) {
	select {
	case <-s.stopped:
		return nil, fmt.Errorf("portaudio: play after close")
	default:
	}
	return s.tl.schedule(samples, at, onEnded), nil
}

func (s *outputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Stop()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		close(s.stopped)
		for _, fn := range s.tl.stopAll() {
			fn()
		}
		releaseLib()
	})
	if err != nil {
		return fmt.Errorf("portaudio: close speaker: %w", err)
	}
	return nil
}

// callback runs on the audio thread and never blocks.
func (s *outputStream) callback(out []float32) {
	if ended := s.tl.render(out); len(ended) > 0 {
		select {
		case s.ended <- ended:
		default:
			// The notifier is behind; hand off without stalling the device.
			go runAll(ended)
		}
	}
}

func (s *outputStream) notify() {
	for {
		select {
		case <-s.stopped:
			// Stop has returned, so no callback is running any more.
			for {
				select {
				case fns := <-s.ended:
					runAll(fns)
				default:
					return
				}
			}
		case fns := <-s.ended:
			runAll(fns)
		}
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
