package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/chati/internal/app"
	"github.com/MrWong99/chati/internal/chat"
	"github.com/MrWong99/chati/internal/config"
	"github.com/MrWong99/chati/internal/health"
	"github.com/MrWong99/chati/internal/observe"
	"github.com/MrWong99/chati/internal/voice"
	"github.com/MrWong99/chati/pkg/audio"
	audiomock "github.com/MrWong99/chati/pkg/audio/mock"
	"github.com/MrWong99/chati/pkg/provider/llm"
	llmmock "github.com/MrWong99/chati/pkg/provider/llm/mock"
	"github.com/MrWong99/chati/pkg/provider/s2s"
	s2smock "github.com/MrWong99/chati/pkg/provider/s2s/mock"
)

// testConfig returns a minimal valid config with one chat provider.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Voice: config.VoiceConfig{
			Provider: config.ProviderEntry{Name: "test-s2s", Model: "live-1"},
			Voice:    "Kore",
			Input:    config.ProviderEntry{Name: "test-in"},
			Output:   config.ProviderEntry{Name: "test-out"},
		},
		Chat: config.ChatConfig{
			Providers: []config.ProviderEntry{{Name: "test-llm", Model: "m"}},
		},
	}
}

// testProviders returns mocks for every slot.
func testProviders() (*app.Providers, *s2smock.Provider, *llmmock.Provider) {
	sp := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{OutputSampleRate: 24000}}
	lp := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Paris."}}
	return &app.Providers{
		S2S:    sp,
		LLM:    lp,
		Input:  &audiomock.InputDevice{},
		Output: audiomock.NewOutputDevice(),
	}, sp, lp
}

// testRegistry registers mock factories under the names of testConfig.
func testRegistry(sp *s2smock.Provider, lp *llmmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterS2S("test-s2s", func(config.ProviderEntry) (s2s.Provider, error) { return sp, nil })
	reg.RegisterLLM("test-llm", func(config.ProviderEntry) (llm.Provider, error) { return lp, nil })
	reg.RegisterInput("test-in", func(config.ProviderEntry) (audio.InputDevice, error) { return &audiomock.InputDevice{}, nil })
	reg.RegisterOutput("test-out", func(config.ProviderEntry) (audio.OutputDevice, error) { return audiomock.NewOutputDevice(), nil })
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ── BuildProviders ─────────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	sp := &s2smock.Provider{}
	lp := &llmmock.Provider{}
	cfg := testConfig()
	cfg.Voice.Fallbacks = []config.ProviderEntry{{Name: "unregistered"}}
	cfg.Chat.Providers = append(cfg.Chat.Providers, config.ProviderEntry{Name: "test-llm", Model: "backup"})

	p, err := app.BuildProviders(cfg, testRegistry(sp, lp), nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.S2S == nil || p.LLM == nil || p.Input == nil || p.Output == nil {
		t.Fatalf("missing provider slot: %+v", p)
	}
	if len(p.Checkers) != 2 {
		t.Errorf("checkers = %d, want 2", len(p.Checkers))
	}
	for _, c := range p.Checkers {
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("checker %s: %v", c.Name, err)
		}
	}

	if _, err := p.S2S.Connect(context.Background(), s2s.SessionConfig{Voice: "Kore"}); err != nil {
		t.Fatalf("Connect through group: %v", err)
	}
	if sp.ConnectCount() != 1 {
		t.Errorf("primary connect count = %d, want 1", sp.ConnectCount())
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown s2s", func(c *config.Config) { c.Voice.Provider.Name = "nope" }},
		{"unknown input", func(c *config.Config) { c.Voice.Input.Name = "nope" }},
		{"unknown output", func(c *config.Config) { c.Voice.Output.Name = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := app.BuildProviders(cfg, testRegistry(&s2smock.Provider{}, &llmmock.Provider{}), nil)
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestBuildProviders_ChatFactoryError(t *testing.T) {
	t.Parallel()

	reg := testRegistry(&s2smock.Provider{}, &llmmock.Provider{})
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errors.New("bad key") })

	cfg := testConfig()
	cfg.Chat.Providers = []config.ProviderEntry{{Name: "broken", Model: "m"}}
	if _, err := app.BuildProviders(cfg, reg, nil); err == nil {
		t.Fatal("expected error when the primary chat provider cannot be built")
	}

	// A broken fallback is skipped.
	cfg.Chat.Providers = []config.ProviderEntry{{Name: "test-llm", Model: "m"}, {Name: "broken", Model: "m"}}
	p, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.LLM == nil {
		t.Fatal("chat provider missing")
	}
}

func TestBuildProviders_RecordsProviderCalls(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sp := &s2smock.Provider{ConnectErr: errors.New("refused")}
	p, err := app.BuildProviders(testConfig(), testRegistry(sp, &llmmock.Provider{}), m)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	_, _ = p.S2S.Connect(context.Background(), s2s.SessionConfig{})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var errorsSeen int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "chati.provider.errors" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("provider errors data is %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				errorsSeen += dp.Value
			}
		}
	}
	if errorsSeen != 1 {
		t.Errorf("provider errors = %d, want 1", errorsSeen)
	}
}

// ── New ────────────────────────────────────────────────────────────────────────

func TestNew_RequiresAProvider(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error without providers")
	}
}

func TestNew_ChatOnly(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Sessions() != nil {
		t.Error("voice built without a speech service")
	}
	if a.Assistant() == nil {
		t.Fatal("assistant missing")
	}
	if got := a.Assistant().SystemPrompt(); got != chat.DefaultSystemPrompt {
		t.Errorf("prompt = %q, want the default", got)
	}
	if err := a.RunVoice(context.Background()); err == nil {
		t.Error("RunVoice without voice should fail")
	}
}

// ── RunChat ────────────────────────────────────────────────────────────────────

func TestApp_RunChat(t *testing.T) {
	t.Parallel()
	p, _, lp := testProviders()
	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var out strings.Builder
	if err := a.RunChat(context.Background(), strings.NewReader("What is the capital of France?\n\n   \n"), &out); err != nil {
		t.Fatalf("RunChat: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output lines = %q, want greeting and one reply", lines)
	}
	if !strings.HasPrefix(lines[0], "Chat-I: Hello!") {
		t.Errorf("greeting = %q", lines[0])
	}
	if lines[1] != "Chat-I: Paris." {
		t.Errorf("reply = %q", lines[1])
	}
	if n := lp.CompleteCallCount(); n != 1 {
		t.Errorf("Complete calls = %d, want 1", n)
	}
}

func TestApp_RunChat_NoProvider(t *testing.T) {
	t.Parallel()
	p, _, _ := testProviders()
	p.LLM = nil
	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.RunChat(context.Background(), strings.NewReader("hi\n"), &strings.Builder{}); !errors.Is(err, app.ErrNoChatProvider) {
		t.Fatalf("err = %v, want ErrNoChatProvider", err)
	}
}

// ── RunVoice ───────────────────────────────────────────────────────────────────

type statuses struct {
	mu   sync.Mutex
	list []voice.Status
}

func (s *statuses) add(u voice.StatusUpdate) {
	s.mu.Lock()
	s.list = append(s.list, u.Status)
	s.mu.Unlock()
}

func (s *statuses) get() []voice.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]voice.Status(nil), s.list...)
}

func TestApp_RunVoice_RemoteClose(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()
	var st statuses
	a, err := app.New(testConfig(), p, app.WithStatusHandler(st.add))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.RunVoice(context.Background()) }()

	waitFor(t, "transport dial", func() bool { return sp.LastSession() != nil })
	sess := sp.LastSession()
	sess.Emit(s2s.Opened{})
	waitFor(t, "connected", func() bool { return a.Sessions().Controller().State() == voice.StateConnected })
	sess.Finish(s2s.Closed{Code: 1000})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunVoice: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunVoice did not return after remote close")
	}

	want := []voice.Status{voice.StatusInitializing, voice.StatusConnecting, voice.StatusConnected, voice.StatusDisconnected}
	got := st.get()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}

	if cfg := sp.ConnectCalls[0].Cfg; cfg.Voice != "Kore" || cfg.Model != "live-1" || cfg.Instructions != app.DefaultVoiceInstruction {
		t.Errorf("session config = %+v", cfg)
	}
}

func TestApp_RunVoice_TransportFailure(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()
	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.RunVoice(context.Background()) }()

	waitFor(t, "transport dial", func() bool { return sp.LastSession() != nil })
	sp.LastSession().Emit(s2s.Opened{})
	waitFor(t, "connected", func() bool { return a.Sessions().Controller().State() == voice.StateConnected })
	boom := errors.New("socket reset")
	sp.LastSession().Finish(s2s.Failed{Err: boom})

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("RunVoice err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunVoice did not return after transport failure")
	}
}

func TestApp_RunVoice_Cancel(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()
	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunVoice(ctx) }()

	waitFor(t, "transport dial", func() bool { return sp.LastSession() != nil })
	sp.LastSession().Emit(s2s.Opened{})
	waitFor(t, "connected", func() bool { return a.Sessions().Controller().State() == voice.StateConnected })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunVoice: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunVoice did not return after cancel")
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after RunVoice returned")
	}
	if sp.LastSession().CloseCount() == 0 {
		t.Error("transport not closed")
	}
}

func TestApp_RunVoice_DialFailure(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()
	sp.ConnectErr = errors.New("refused")
	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.RunVoice(context.Background()); err == nil {
		t.Fatal("expected error from a failed dial")
	}
}

// ── ApplyConfig ────────────────────────────────────────────────────────────────

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()
	lv := new(slog.LevelVar)
	a, err := app.New(testConfig(), p, app.WithLevelVar(lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Voice.Voice = "Puck"
	next.Voice.SystemInstruction = "Speak like a pirate."
	next.Chat.SystemInstruction = "Answer in French."
	next.Chat.Providers[0].Model = "other"

	d := a.ApplyConfig(next)
	if !d.LogLevelChanged || !d.VoiceChanged || !d.ChatPromptChanged {
		t.Fatalf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "chat.providers" {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := a.Assistant().SystemPrompt(); got != "Answer in French." {
		t.Errorf("chat prompt = %q", got)
	}
	if a.Config() != next {
		t.Error("Config() does not return the applied config")
	}

	if err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Sessions().Stop)
	cfg := sp.ConnectCalls[0].Cfg
	if cfg.Voice != "Puck" || cfg.Instructions != "Speak like a pirate." {
		t.Errorf("next session config = %+v", cfg)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── Health ─────────────────────────────────────────────────────────────────────

func TestApp_HealthHandler(t *testing.T) {
	t.Parallel()
	p, _, _ := testProviders()
	var healthy atomic.Bool
	healthy.Store(true)
	p.Checkers = []health.Checker{health.Healthy("flag", healthy.Load)}

	a, err := app.New(testConfig(), p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	a.HealthHandler().Register(mux)

	if err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Sessions().Stop)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var body struct {
		Session map[string]string `json:"session"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session["status"] != string(voice.StatusConnecting) || body.Session["id"] == "" {
		t.Errorf("session = %v", body.Session)
	}

	healthy.Store(false)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rec.Code)
	}
}

// ── Shutdown ───────────────────────────────────────────────────────────────────

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	p, sp, _ := testProviders()

	var order []string
	a, err := app.New(testConfig(), p,
		app.WithCloser(func() error { order = append(order, "first"); return nil }),
		app.WithCloser(func() error { order = append(order, "second"); return errors.New("ignored") }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Sessions().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("closer order = %v", order)
	}
	if a.Sessions().IsActive() {
		t.Error("session still active after Shutdown")
	}
	if sp.LastSession().CloseCount() == 0 {
		t.Error("transport not closed by Shutdown")
	}
}

func TestApp_Shutdown_Deadline(t *testing.T) {
	t.Parallel()
	p, _, _ := testProviders()
	called := false
	a, err := app.New(testConfig(), p, app.WithCloser(func() error { called = true; return nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("closer ran after the deadline")
	}
}
