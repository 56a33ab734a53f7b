// Command chati is the entry point for the chati voice and chat assistant.
//
// In voice mode it opens a live speech-to-speech session over the configured
// microphone and speaker until interrupted. In chat mode it reads messages
// from stdin and prints the assistant's replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/chati/internal/app"
	"github.com/MrWong99/chati/internal/config"
	"github.com/MrWong99/chati/internal/observe"
	"github.com/MrWong99/chati/internal/voice"
	"github.com/MrWong99/chati/pkg/audio"
	"github.com/MrWong99/chati/pkg/audio/portaudio"
	"github.com/MrWong99/chati/pkg/audio/wavfile"
	"github.com/MrWong99/chati/pkg/provider/llm"
	"github.com/MrWong99/chati/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/chati/pkg/provider/llm/openai"
	"github.com/MrWong99/chati/pkg/provider/s2s"
	geminilive "github.com/MrWong99/chati/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/chati/pkg/provider/s2s/openai"
)

const (
	modeVoice = "voice"
	modeChat  = "chat"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", modeVoice, "interaction mode: voice or chat")
	flag.Parse()

	if *mode != modeVoice && *mode != modeChat {
		fmt.Fprintf(os.Stderr, "chati: unknown mode %q (want %s or %s)\n", *mode, modeVoice, modeChat)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chati: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chati: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("chati starting",
		"config", *configPath,
		"mode", *mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.Config{ServiceName: "chati", RuntimeCollectors: true})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, *mode)

	meter := &levelMeter{}
	application, err := app.New(cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(levelVar),
		app.WithStatusHandler(meter.status),
		app.WithLevelHandler(meter.level),
		app.WithTranscriptHandler(func(t s2s.Transcript) {
			meter.clear()
			fmt.Fprintf(os.Stderr, "%s: %s\n", t.Role, t.Text)
		}),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(ctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP: metrics and health ──────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", tel.Handler())
		application.HealthHandler().Register(mux)
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	var runErr error
	switch *mode {
	case modeVoice:
		slog.Info("voice session starting; press Ctrl+C to hang up")
		runErr = application.RunVoice(ctx)
		meter.clear()
	case modeChat:
		runErr = application.RunChat(ctx, os.Stdin, os.Stdout)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider and device factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every any-llm-go backend takes an optional api_key and base_url; openai
	// is registered again below to go through the official SDK instead.
	for _, backend := range anyllm.Backends() {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(backend, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// openai goes through the official SDK for organisation and retry control.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if n := entry.OptionInt("max_retries", -1); n >= 0 {
			opts = append(opts, oallm.WithMaxRetries(n))
		}
		if d, err := time.ParseDuration(entry.OptionString("timeout", "")); err == nil {
			opts = append(opts, oallm.WithTimeout(d))
		}
		p, err := oallm.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S(config.ProviderGeminiLive, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(slog.Default().With("provider", entry.Name))}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if n := entry.OptionInt("queue_size", 0); n > 0 {
			opts = append(opts, geminilive.WithQueueSize(n))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(slog.Default().With("provider", entry.Name))}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if n := entry.OptionInt("queue_size", 0); n > 0 {
			opts = append(opts, oais2s.WithQueueSize(n))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg.RegisterInput(config.ProviderPortAudio, func(config.ProviderEntry) (audio.InputDevice, error) {
		return portaudio.NewInput(slog.Default()), nil
	})
	reg.RegisterOutput(config.ProviderPortAudio, func(config.ProviderEntry) (audio.OutputDevice, error) {
		return portaudio.NewOutput(slog.Default()), nil
	})

	reg.RegisterInput(config.ProviderWAV, func(entry config.ProviderEntry) (audio.InputDevice, error) {
		path := entry.OptionString("path", "")
		if path == "" {
			return nil, errors.New("wav input: options.path is required")
		}
		return wavfile.NewInput(path,
			wavfile.WithLoop(entry.OptionBool("loop", false)),
			wavfile.WithInputLogger(slog.Default()),
		), nil
	})
	reg.RegisterOutput(config.ProviderWAV, func(entry config.ProviderEntry) (audio.OutputDevice, error) {
		return wavfile.NewOutput(entry.OptionString("dir", "recordings"), wavfile.WithOutputLogger(slog.Default())), nil
	})
}

// ── Level meter ───────────────────────────────────────────────────────────────

// levelMeter draws the microphone level and connection status on one
// terminal line.
type levelMeter struct {
	state atomic.Value // voice.Status
	last  atomic.Int64 // unix nanos of the last redraw
}

const meterWidth = 20

func (m *levelMeter) status(u voice.StatusUpdate) {
	m.state.Store(u.Status)
	m.clear()
	if u.Err != nil {
		slog.Error("voice session status", "status", u.Status, "session_id", u.SessionID, "err", u.Err)
		return
	}
	slog.Info("voice session status", "status", u.Status, "session_id", u.SessionID)
}

// level redraws at most ten times per second.
func (m *levelMeter) level(rms float64) {
	now := time.Now().UnixNano()
	if now-m.last.Load() < int64(100*time.Millisecond) {
		return
	}
	m.last.Store(now)

	// VisualScale runs from 1 to 2.5; map it onto the bar.
	filled := int((voice.VisualScale(rms) - 1) / 1.5 * meterWidth)
	status, _ := m.state.Load().(voice.Status)
	fmt.Fprintf(os.Stderr, "\r[%-*s] %s", meterWidth, strings.Repeat("#", filled), status)
}

func (m *levelMeter) clear() {
	fmt.Fprintf(os.Stderr, "\r%*s\r", meterWidth+16, "")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mode string) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║          chati: startup summary       ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", "Mode", mode)
	printProvider("Voice", cfg.Voice.Provider.Name, cfg.Voice.Provider.Model)
	printProvider("Fallbacks", fmt.Sprint(len(cfg.Voice.Fallbacks)), "")
	printProvider("Input", cfg.Voice.Input.Name, "")
	printProvider("Output", cfg.Voice.Output.Name, "")
	if len(cfg.Chat.Providers) > 0 {
		printProvider("Chat", cfg.Chat.Providers[0].Name, cfg.Chat.Providers[0].Model)
	} else {
		printProvider("Chat", "", "")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", kind, truncate(value, 19))
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
