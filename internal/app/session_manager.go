package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chati/internal/voice"
	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// SessionInfo holds metadata about the current or most recent voice session.
type SessionInfo struct {
	// SessionID is the unique identifier of the session.
	SessionID string

	// StartedAt is when Start was called.
	StartedAt time.Time

	// EndedAt is when the session reached a terminal state. Zero while live.
	EndedAt time.Time

	// Status is the last status reported by the controller.
	Status voice.Status

	// Err is the cause when Status is [voice.StatusError].
	Err error

	// Voice and Model are the settings the session was started with.
	Voice string
	Model string
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Provider s2s.Provider
	Input    audio.InputDevice
	Output   audio.OutputDevice

	// Session is the configuration of the next session.
	Session s2s.SessionConfig

	// QueueSize bounds the uplink queue. Zero uses the controller default.
	QueueSize int

	// Recorder receives session metrics. May be nil.
	Recorder voice.Recorder

	// OnStatus, OnLevel and OnTranscript are forwarded to the controller.
	OnStatus     func(voice.StatusUpdate)
	OnLevel      func(float64)
	OnTranscript func(s2s.Transcript)

	Logger *slog.Logger
}

// SessionManager manages the lifecycle of the voice session. Only one
// session can be active at a time. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	ctrl     *voice.Controller
	onStatus func(voice.StatusUpdate)
	log      *slog.Logger

	// startMu serialises Start and Stop. It is never held while mu is.
	startMu sync.Mutex

	mu      sync.Mutex
	info    SessionInfo
	started bool
	ended   chan struct{}
}

// NewSessionManager creates a SessionManager. No device or connection is
// acquired until Start.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sm := &SessionManager{
		onStatus: cfg.OnStatus,
		log:      log.With("component", "session_manager"),
	}

	opts := []voice.Option{
		voice.WithStatusHandler(sm.handleStatus),
		voice.WithSessionConfig(cfg.Session),
		voice.WithQueueSize(cfg.QueueSize),
		voice.WithLogger(log.With("component", "voice")),
	}
	if cfg.OnLevel != nil {
		opts = append(opts, voice.WithLevelHandler(cfg.OnLevel))
	}
	if cfg.OnTranscript != nil {
		opts = append(opts, voice.WithTranscriptHandler(cfg.OnTranscript))
	}
	if cfg.Recorder != nil {
		opts = append(opts, voice.WithRecorder(cfg.Recorder))
	}
	sm.ctrl = voice.New(cfg.Provider, cfg.Input, cfg.Output, opts...)
	return sm
}

// Controller returns the underlying voice controller.
func (sm *SessionManager) Controller() *voice.Controller { return sm.ctrl }

// Start begins a new voice session and returns once the microphone and the
// transport are acquired. The session becomes connected asynchronously.
//
// Returns an error wrapping [voice.ErrSessionActive] if a session is already
// connecting or connected.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()

	if sm.ctrl.State().Active() {
		return fmt.Errorf("app: start session: %w (id=%s)", voice.ErrSessionActive, sm.ctrl.SessionID())
	}

	cfg := sm.ctrl.SessionConfig()
	sm.mu.Lock()
	sm.info = SessionInfo{
		StartedAt: time.Now().UTC(),
		Status:    voice.StatusInitializing,
		Voice:     cfg.Voice,
		Model:     cfg.Model,
	}
	sm.started = true
	sm.ended = make(chan struct{})
	sm.mu.Unlock()

	if err := sm.ctrl.Connect(ctx); err != nil {
		if errors.Is(err, voice.ErrDisconnected) {
			return err
		}
		return fmt.Errorf("app: start session: %w", err)
	}
	return nil
}

// Stop ends the current session. Stopping without an active session only
// flushes playback left over from the previous one.
func (sm *SessionManager) Stop() {
	sm.startMu.Lock()
	defer sm.startMu.Unlock()
	sm.ctrl.Disconnect()
}

// Done returns a channel closed when the session started by the last Start
// reaches a terminal state. Before the first Start it returns nil.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ended
}

// IsActive reports whether a session is connecting or connected.
func (sm *SessionManager) IsActive() bool {
	return sm.ctrl.State().Active()
}

// Info returns metadata of the current or most recent session. The boolean
// is false before the first Start.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.started
}

// SetSessionConfig replaces the configuration used by the next Start.
func (sm *SessionManager) SetSessionConfig(cfg s2s.SessionConfig) {
	sm.ctrl.SetSessionConfig(cfg)
}

// handleStatus runs synchronously on the controller's delivery path.
func (sm *SessionManager) handleStatus(u voice.StatusUpdate) {
	sm.mu.Lock()
	sm.info.SessionID = u.SessionID
	sm.info.Status = u.Status
	if u.State.Terminal() && sm.info.EndedAt.IsZero() {
		sm.info.EndedAt = time.Now().UTC()
		sm.info.Err = u.Err
		if sm.ended != nil {
			close(sm.ended)
		}
	}
	sm.mu.Unlock()

	sm.log.Debug("session status", "session_id", u.SessionID, "status", u.Status)
	if sm.onStatus != nil {
		sm.onStatus(u)
	}
}

// statusAttrs reports the session for the health endpoint.
func (sm *SessionManager) statusAttrs() map[string]string {
	info, ok := sm.Info()
	if !ok {
		return map[string]string{"status": string(voice.StatusInitializing), "state": sm.ctrl.State().String()}
	}
	m := map[string]string{
		"id":         info.SessionID,
		"status":     string(info.Status),
		"state":      sm.ctrl.State().String(),
		"started_at": info.StartedAt.Format(time.RFC3339),
	}
	if info.Err != nil {
		m["error"] = info.Err.Error()
	}
	return m
}
