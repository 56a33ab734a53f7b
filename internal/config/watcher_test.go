package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chati/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
voice:
  provider:
    name: gemini-live
  system_instruction: first
`

const watcherUpdatedYAML = `
server:
  log_level: debug
voice:
  provider:
    name: gemini-live
  system_instruction: second
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// rewrite replaces the file content and pushes its modification time forward
// so that the change is visible on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	mtime := time.Now().Add(bump)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Voice.SystemInstruction != "first" {
		t.Errorf("system_instruction = %q, want first", cfg.Voice.SystemInstruction)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	changes := make(chan [2]*config.Config, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		changes <- [2]*config.Config{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	rewrite(t, cfgPath, watcherUpdatedYAML, time.Second)

	select {
	case pair := <-changes:
		d := config.Diff(pair[0], pair[1])
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || !d.VoiceChanged {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}
	if got := w.Current().Voice.SystemInstruction; got != "second" {
		t.Errorf("Current() instruction = %q, want second", got)
	}
}

func TestWatcher_KeepsConfigOnInvalidRevision(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	rewrite(t, cfgPath, watcherInvalidYAML, time.Second)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("onChange called %d times for an invalid revision", calls)
	}
	if got := w.Current().Voice.SystemInstruction; got != "first" {
		t.Errorf("Current() instruction = %q, want first", got)
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) { called <- struct{}{} },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	rewrite(t, cfgPath, watcherValidYAML, time.Second)

	select {
	case <-called:
		t.Fatal("onChange called for identical content")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}
