// Package voice runs a duplex voice session: microphone audio is captured,
// encoded and streamed to a speech-to-speech service while the synthesised
// reply is decoded and played back without gaps.
//
// A [Controller] owns at most one session at a time. Its lifecycle is
//
//	Idle → Connecting → Connected → Closed
//	            └──────────┴──────→ Error
//
// Connect acquires the microphone and dials the transport concurrently. The
// session becomes Connected when the service reports it is ready, and ends
// either through Disconnect or when the transport closes or fails. Every
// device and network handle belongs to the session and is released on every
// exit path.
//
// Status changes are delivered to the status handler synchronously, in
// order, and never concurrently with each other. Handlers must not call
// Connect or Disconnect synchronously.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chati/internal/observe"
	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/audio/capture"
	"github.com/MrWong99/chati/pkg/audio/playback"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

var (
	// ErrSessionActive is returned by Connect while a session is connecting
	// or connected.
	ErrSessionActive = errors.New("voice: session already active")

	// ErrDisconnected is returned by Connect when Disconnect ran before
	// acquisition completed.
	ErrDisconnected = errors.New("voice: disconnected while connecting")
)

// defaultQueueSize is the capacity of the uplink queue in frames. At 16 kHz
// and 4096 samples per frame this is about two seconds of audio.
const defaultQueueSize = 8

// Recorder receives session metrics. Implemented by observe.Metrics.
type Recorder interface {
	RecordCaptureFrame(ctx context.Context, level float64)
	RecordUplink(ctx context.Context, outcome string)
	RecordInbound(ctx context.Context, malformed bool)
	RecordStateTransition(ctx context.Context, from, to string)
	RecordConnect(ctx context.Context, d time.Duration, err error)
	AddActiveSessions(ctx context.Context, delta int64)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithStatusHandler sets the function called on every status change.
func WithStatusHandler(fn func(StatusUpdate)) Option {
	return func(c *Controller) { c.onStatus = fn }
}

// WithLevelHandler sets the function receiving the RMS level of each captured
// frame. It runs on its own goroutine; when it lags, intermediate levels are
// skipped and only the latest is delivered.
func WithLevelHandler(fn func(level float64)) Option {
	return func(c *Controller) { c.onLevel = fn }
}

// WithTranscriptHandler sets the function receiving transcripts produced by
// the speech service. Without a handler transcripts are logged at debug.
func WithTranscriptHandler(fn func(s2s.Transcript)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithSessionConfig sets the configuration sent to the speech service on
// every Connect.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessionCfg = cfg }
}

// WithRecorder attaches a metrics recorder. If r also implements
// [playback.Recorder] it is handed to each session's scheduler.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithQueueSize sets the capacity of the uplink queue in frames.
func WithQueueSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// ── Controller ─────────────────────────────────────────────────────────────────

// Controller drives voice sessions over one speech service and one pair of
// audio devices. All exported methods are safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	in       audio.InputDevice
	out      audio.OutputDevice

	onStatus     func(StatusUpdate)
	onLevel      func(float64)
	onTranscript func(s2s.Transcript)
	rec          Recorder
	queueSize    int
	log          *slog.Logger

	// mu guards transitions and the fields below. The state itself is also
	// readable without the lock.
	mu         sync.Mutex
	state      atomic.Int32
	sess       *session
	sessionCfg s2s.SessionConfig
	err        error

	// notifyMu serialises status delivery. It is acquired before mu is
	// released so that updates reach the handler in transition order.
	notifyMu sync.Mutex
}

// New creates a Controller in [StateIdle]. Nothing is acquired until Connect.
func New(provider s2s.Provider, in audio.InputDevice, out audio.OutputDevice, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		in:        in,
		out:       out,
		queueSize: defaultQueueSize,
		log:       slog.Default().With("component", "voice"),
		sessionCfg: s2s.SessionConfig{
			Modality:        s2s.ModalityAudio,
			InputSampleRate: audio.CaptureSampleRate,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// SessionID returns the id of the current or most recent session, or the
// empty string before the first Connect.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Err returns the cause of the last transition to [StateError].
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SessionConfig returns the configuration used by the next Connect.
func (c *Controller) SessionConfig() s2s.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCfg
}

// SetSessionConfig replaces the configuration used by the next Connect. A
// live session keeps the configuration it was started with.
func (c *Controller) SetSessionConfig(cfg s2s.SessionConfig) {
	c.mu.Lock()
	c.sessionCfg = cfg
	c.mu.Unlock()
}

// Connect starts a new session. It is valid from [StateIdle] and from the
// terminal states, and returns [ErrSessionActive] otherwise.
//
// The status handler sees initializing, then connecting. The microphone and
// the transport are then acquired concurrently; ctx bounds only this phase.
// If either fails, everything acquired so far is released, the controller
// moves to [StateError] and the cause is returned. On success Connect returns
// while the controller is still connecting: it becomes connected when the
// service reports it is ready.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.State().Active() {
		c.mu.Unlock()
		return ErrSessionActive
	}
	prev := c.sess
	cfg := c.sessionCfg
	sess := c.newSession()
	c.sess = sess
	c.err = nil
	c.setStateLocked(StateConnecting)
	c.deliverAndUnlock(
		StatusUpdate{Status: StatusInitializing, State: StateIdle, SessionID: sess.id},
		StatusUpdate{Status: StatusConnecting, State: StateConnecting, SessionID: sess.id},
	)

	// A previous session may still be draining its last buffers.
	if prev != nil {
		prev.player.Close()
	}

	ctx, span := observe.StartSpan(ctx, "voice.connect")
	defer span.End()
	span.SetAttributes(observe.SessionAttr(sess.id))

	log := observe.WithTrace(ctx, sess.log)
	log.Info("voice: connecting", "model", cfg.Model, "voice", cfg.Voice)

	start := time.Now()
	link, err := c.acquire(ctx, sess, cfg)
	if c.rec != nil {
		c.rec.RecordConnect(ctx, time.Since(start), err)
	}

	if err == nil && !sess.attach(link) {
		err = ErrDisconnected
	}
	if err != nil {
		if link != nil {
			if cerr := link.Close(); cerr != nil {
				log.Warn("voice: release transport", "err", cerr)
			}
			// Nobody pumps an abandoned link; let its producer finish.
			go audio.Drain(link.Events())
		}
		sess.shutdown()
		sess.player.Close()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrDisconnected) {
			log.Info("voice: connect abandoned")
			return err
		}
		err = fmt.Errorf("voice: connect: %w", err)
		log.Error("voice: connect failed", "err", err)
		c.settle(sess, StateError, err)
		return err
	}

	log.Info("voice: transport established", "duration", time.Since(start))
	return nil
}

// acquire opens the microphone and dials the transport concurrently. If the
// dial succeeded the handle is returned even when err is non-nil, so that the
// caller can release it.
func (c *Controller) acquire(ctx context.Context, sess *session, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	// Disconnect during acquisition cancels both legs.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	var link s2s.SessionHandle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.capture.Acquire(gctx); err != nil {
			return fmt.Errorf("acquire microphone: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		h, err := c.provider.Connect(gctx, cfg)
		if err != nil {
			return fmt.Errorf("dial transport: %w", err)
		}
		link = h
		return nil
	})
	err := g.Wait()

	if sess.ctx.Err() != nil {
		err = ErrDisconnected
	}
	return link, err
}

// Disconnect ends the current session: capture stops, the transport is
// closed and playback is flushed. The status handler sees disconnected
// exactly once per session. Disconnect is idempotent and may be called from
// any state; from a terminal state it only flushes playback left draining.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	sess.shutdown()
	// Explicit disconnect: stop whatever is still playing.
	sess.player.Close()

	// From Error settle is a no-op: the session stays in Error and no
	// disconnected status follows the error one.
	if c.settle(sess, StateClosed, nil) {
		sess.log.Info("voice: disconnected")
	}
}

// opened handles the service's ready signal.
func (c *Controller) opened(sess *session) {
	if !c.settle(sess, StateConnected, nil) {
		return
	}
	sess.log.Info("voice: connected")

	if err := sess.capture.Start(sess.onFrame); err != nil {
		if errors.Is(err, capture.ErrStopped) {
			return
		}
		c.terminate(sess, StateError, fmt.Errorf("voice: start capture: %w", err))
	}
}

// terminate tears a session down after the transport ended or failed.
// Buffers already scheduled play to completion.
func (c *Controller) terminate(sess *session, next State, cause error) {
	sess.shutdown()
	// Remote teardown: let the reply finish.
	sess.player.Drain()

	if !c.settle(sess, next, cause) {
		return
	}
	if cause != nil {
		sess.log.Error("voice: session failed", "err", cause)
	} else {
		sess.log.Info("voice: session closed by remote")
	}
}

// settle moves sess from an active state to next and notifies the status
// handler. It reports false, and does nothing, if sess is no longer current
// or has already left the active states.
func (c *Controller) settle(sess *session, next State, cause error) bool {
	c.mu.Lock()
	cur := c.State()
	if c.sess != sess || !cur.Active() || (next == StateConnected && cur != StateConnecting) {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(next)
	if cause != nil {
		c.err = cause
	}
	c.deliverAndUnlock(StatusUpdate{Status: next.Status(), State: next, SessionID: sess.id, Err: cause})
	return true
}

// setStateLocked must be called with c.mu held.
func (c *Controller) setStateLocked(next State) {
	prev := State(c.state.Swap(int32(next)))
	if c.rec != nil {
		c.rec.RecordStateTransition(context.Background(), prev.String(), next.String())
	}
	switch {
	case next.Active() && !prev.Active():
		if c.rec != nil {
			c.rec.AddActiveSessions(context.Background(), 1)
		}
	case !next.Active() && prev.Active():
		if c.rec != nil {
			c.rec.AddActiveSessions(context.Background(), -1)
		}
	}
}

// deliverAndUnlock hands the updates to the status handler. It must be
// called with c.mu held and releases it.
func (c *Controller) deliverAndUnlock(updates ...StatusUpdate) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	if c.onStatus == nil {
		return
	}
	for _, u := range updates {
		c.onStatus(u)
	}
}

func (c *Controller) newSession() *session {
	id := uuid.NewString()
	log := c.log.With("session_id", id)

	playOpts := []playback.Option{playback.WithLogger(log)}
	if rate := c.provider.Capabilities().OutputSampleRate; rate > 0 {
		playOpts = append(playOpts, playback.WithFormat(audio.Format{SampleRate: rate, Channels: 1}))
	}
	if r, ok := c.rec.(playback.Recorder); ok {
		playOpts = append(playOpts, playback.WithRecorder(r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:      id,
		ctrl:    c,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		capture: capture.New(c.in, capture.WithLogger(log)),
		player:  playback.New(c.out, playOpts...),
		frames:  make(chan audio.Frame, c.queueSize),
		levels:  make(chan float64, 1),
	}
}
