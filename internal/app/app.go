// Package app wires the chati subsystems into a running application.
//
// BuildProviders turns the configuration into provider and device values
// through the config registry. New assembles the voice session manager and
// the chat assistant on top of them, ApplyConfig hot-reloads what can change
// at runtime, and Shutdown tears everything down in order.
//
// For testing, hand New a [Providers] of mocks; nothing in this package
// touches the network or real audio hardware by itself.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/chati/internal/chat"
	"github.com/MrWong99/chati/internal/config"
	"github.com/MrWong99/chati/internal/health"
	"github.com/MrWong99/chati/internal/observe"
	"github.com/MrWong99/chati/internal/resilience"
	"github.com/MrWong99/chati/internal/voice"
	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/provider/llm"
	"github.com/MrWong99/chati/pkg/provider/s2s"
)

// DefaultVoiceInstruction frames the voice assistant when the config sets
// no system instruction.
const DefaultVoiceInstruction = "You are Chat-I, a helpful voice assistant."

// ErrNoChatProvider is returned by RunChat when no chat backend is
// configured.
var ErrNoChatProvider = errors.New("app: no chat provider configured")

// Providers holds one value per provider slot. Nil means the slot is not
// configured. Populated by BuildProviders or directly by tests.
type Providers struct {
	S2S    s2s.Provider
	LLM    llm.Provider
	Input  audio.InputDevice
	Output audio.OutputDevice

	// Checkers report provider health on /readyz.
	Checkers []health.Checker
}

// BuildProviders creates every configured provider through reg. Speech
// services and chat backends are wrapped in failover groups whose breakers
// report transitions to m. Fallback entries that cannot be built are skipped
// with a warning; a missing primary is an error. m may be nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	p := &Providers{}
	fbCfg := fallbackConfig(cfg.Chat.CircuitBreaker, m)

	// ── Voice ────────────────────────────────────────────────────────────
	primary, err := reg.CreateS2S(cfg.Voice.Provider)
	if err != nil {
		return nil, fmt.Errorf("app: create s2s provider: %w", err)
	}
	group := resilience.NewS2SFallback(instrumentS2S(primary, cfg.Voice.Provider.Name, m), cfg.Voice.Provider.Name, fbCfg)
	for _, entry := range cfg.Voice.Fallbacks {
		fb, err := reg.CreateS2S(entry)
		if err != nil {
			slog.Warn("skipping s2s fallback", "name", entry.Name, "err", err)
			continue
		}
		group.AddFallback(entry.Name, instrumentS2S(fb, entry.Name, m))
	}
	p.S2S = group
	p.Checkers = append(p.Checkers, health.Healthy("s2s", group.Healthy))

	if p.Input, err = reg.CreateInput(cfg.Voice.Input); err != nil {
		return nil, fmt.Errorf("app: create input device: %w", err)
	}
	if p.Output, err = reg.CreateOutput(cfg.Voice.Output); err != nil {
		return nil, fmt.Errorf("app: create output device: %w", err)
	}

	// ── Chat ─────────────────────────────────────────────────────────────
	var chatGroup *resilience.LLMFallback
	for i, entry := range cfg.Chat.Providers {
		prov, err := reg.CreateLLM(entry)
		if err != nil {
			if errors.Is(err, config.ErrProviderNotRegistered) || i > 0 {
				slog.Warn("skipping chat provider", "name", entry.Name, "err", err)
				continue
			}
			return nil, fmt.Errorf("app: create chat provider %q: %w", entry.Name, err)
		}
		prov = instrumentLLM(prov, entry.Name, m)
		if chatGroup == nil {
			chatGroup = resilience.NewLLMFallback(prov, entry.Name, fbCfg)
			continue
		}
		chatGroup.AddFallback(entry.Name, prov)
	}
	if chatGroup != nil {
		p.LLM = chatGroup
		p.Checkers = append(p.Checkers, health.Healthy("llm", chatGroup.Healthy))
	}

	return p, nil
}

func fallbackConfig(cb config.CircuitBreakerConfig, m *observe.Metrics) resilience.FallbackConfig {
	cfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		},
	}
	if m != nil {
		cfg.CircuitBreaker.OnStateChange = func(name string, from, to resilience.State) {
			m.RecordBreakerTransition(name, from.String(), to.String())
		}
	}
	return cfg
}

func instrumentS2S(p s2s.Provider, name string, m *observe.Metrics) s2s.Provider {
	if m == nil {
		return p
	}
	return &instrumentedS2S{Provider: p, name: name, rec: m}
}

func instrumentLLM(p llm.Provider, name string, m *observe.Metrics) llm.Provider {
	if m == nil {
		return p
	}
	return &instrumentedLLM{Provider: p, name: name, rec: m}
}

// ─── App ─────────────────────────────────────────────────────────────────────

// App owns the voice session manager and the chat assistant.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	log       *slog.Logger

	onStatus     func(voice.StatusUpdate)
	onLevel      func(float64)
	onTranscript func(s2s.Transcript)

	mu  sync.Mutex
	cfg *config.Config

	sessions  *SessionManager
	assistant *chat.Assistant

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics attaches the metrics recorder shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable that ApplyConfig adjusts when the
// configured log level changes.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithStatusHandler receives every voice status update.
func WithStatusHandler(fn func(voice.StatusUpdate)) Option {
	return func(a *App) { a.onStatus = fn }
}

// WithLevelHandler receives the microphone level of every captured frame.
func WithLevelHandler(fn func(float64)) Option {
	return func(a *App) { a.onLevel = fn }
}

// WithTranscriptHandler receives transcripts of the voice session.
func WithTranscriptHandler(fn func(s2s.Transcript)) Option {
	return func(a *App) { a.onTranscript = fn }
}

// WithCloser registers fn to run during Shutdown, after the built-in closers.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg and providers. The voice session manager is
// created when providers carries a speech service and both audio devices;
// the chat assistant when it carries a chat backend. At least one of the two
// must be available.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	// Closers from options run after the subsystems built here.
	extra := a.closers
	a.closers = nil

	if providers.S2S != nil && providers.Input != nil && providers.Output != nil {
		smCfg := SessionManagerConfig{
			Provider:     providers.S2S,
			Input:        providers.Input,
			Output:       providers.Output,
			Session:      sessionConfig(cfg),
			QueueSize:    cfg.Voice.QueueSize,
			OnStatus:     a.onStatus,
			OnLevel:      a.onLevel,
			OnTranscript: a.onTranscript,
			Logger:       a.log,
		}
		if a.metrics != nil {
			smCfg.Recorder = a.metrics
		}
		a.sessions = NewSessionManager(smCfg)
		a.closers = append(a.closers, func() error {
			a.sessions.Stop()
			return nil
		})
	}

	if providers.LLM != nil {
		chatOpts := []chat.Option{chat.WithLogger(a.log.With("component", "chat"))}
		if cfg.Chat.SystemInstruction != "" {
			chatOpts = append(chatOpts, chat.WithSystemPrompt(cfg.Chat.SystemInstruction))
		}
		if cfg.Chat.Timeout > 0 {
			chatOpts = append(chatOpts, chat.WithTimeout(cfg.Chat.Timeout))
		}
		if cfg.Chat.Temperature != nil {
			chatOpts = append(chatOpts, chat.WithTemperature(*cfg.Chat.Temperature))
		}
		if a.metrics != nil {
			chatOpts = append(chatOpts, chat.WithRecorder(a.metrics))
		}
		a.assistant = chat.New(providers.LLM, chatOpts...)
	}

	if a.sessions == nil && a.assistant == nil {
		return nil, errors.New("app: neither a voice session nor a chat assistant can be built from the configured providers")
	}

	a.closers = append(a.closers, extra...)
	return a, nil
}

// sessionConfig derives the speech service configuration from cfg.
func sessionConfig(cfg *config.Config) s2s.SessionConfig {
	instr := cfg.Voice.SystemInstruction
	if instr == "" {
		instr = DefaultVoiceInstruction
	}
	return s2s.SessionConfig{
		Model:           cfg.Voice.Provider.Model,
		Voice:           cfg.Voice.Voice,
		Instructions:    instr,
		Modality:        s2s.ModalityAudio,
		InputSampleRate: audio.CaptureSampleRate,
	}
}

// Sessions returns the voice session manager, or nil when voice is not
// configured.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Assistant returns the chat assistant, or nil when chat is not configured.
func (a *App) Assistant() *chat.Assistant { return a.assistant }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunVoice starts a voice session and blocks until ctx is cancelled or the
// session ends on its own. The session is stopped before RunVoice returns.
// A session that ended with an error is reported as such.
func (a *App) RunVoice(ctx context.Context) error {
	if a.sessions == nil {
		return errors.New("app: voice is not configured")
	}
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}
	done := a.sessions.Done()

	select {
	case <-ctx.Done():
		a.sessions.Stop()
		return nil
	case <-done:
	}

	a.sessions.Stop()
	if info, _ := a.sessions.Info(); info.Err != nil {
		return fmt.Errorf("app: voice session: %w", info.Err)
	}
	return nil
}

// RunChat holds a text conversation over in and out: it prints the greeting,
// then answers every non-empty line until in is exhausted or ctx is
// cancelled.
func (a *App) RunChat(ctx context.Context, in io.Reader, out io.Writer) error {
	if a.assistant == nil {
		return ErrNoChatProvider
	}
	conv := a.assistant.NewConversation()
	if _, err := fmt.Fprintf(out, "%s: %s\n", chat.AssistantName, a.assistant.Greeting().Text()); err != nil {
		return fmt.Errorf("app: write greeting: %w", err)
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("app: read input: %w", err)
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			reply := conv.Send(ctx, line)
			if _, err := fmt.Fprintf(out, "%s: %s\n", chat.AssistantName, reply); err != nil {
				return fmt.Errorf("app: write reply: %w", err)
			}
		}
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next and returns what
// changed. Sections that need a restart are logged and left alone.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged && a.sessions != nil {
		a.sessions.SetSessionConfig(sessionConfig(next))
		a.log.Info("voice settings changed; applies to the next session", "voice", next.Voice.Voice)
	}
	if d.ChatPromptChanged && a.assistant != nil {
		a.assistant.SetSystemPrompt(next.Chat.SystemInstruction)
		a.log.Info("chat system instruction changed")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	return d
}

// SlogLevel converts a config log level to its slog equivalent. Unknown
// values map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// HealthHandler returns the /healthz and /readyz handler for this App.
func (a *App) HealthHandler() *health.Handler {
	return health.New(
		health.WithCheckers(a.providers.Checkers...),
		health.WithStatus(a.healthStatus),
	)
}

func (a *App) healthStatus() map[string]string {
	if a.sessions == nil {
		return nil
	}
	return a.sessions.statusAttrs()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the voice session and runs the registered closers in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
