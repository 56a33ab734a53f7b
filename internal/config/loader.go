package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Provider names understood by the default registry.
const (
	ProviderGeminiLive     = "gemini-live"
	ProviderOpenAIRealtime = "openai-realtime"
	ProviderPortAudio      = "portaudio"
	ProviderWAV            = "wav"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":    {ProviderGeminiLive, ProviderOpenAIRealtime},
	"llm":    {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"input":  {ProviderPortAudio, ProviderWAV},
	"output": {ProviderPortAudio, ProviderWAV},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration that runs against Gemini on the default
// audio devices, with credentials taken from GEMINI_API_KEY.
func Default() *Config {
	cfg := &Config{
		Voice: VoiceConfig{
			Provider: ProviderEntry{Name: ProviderGeminiLive, APIKey: os.Getenv("GEMINI_API_KEY")},
		},
		Chat: ChatConfig{
			Providers: []ProviderEntry{{Name: "gemini", APIKey: os.Getenv("GEMINI_API_KEY")}},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Voice.Voice == "" {
		cfg.Voice.Voice = "Kore"
	}
	if cfg.Voice.Input.Name == "" {
		cfg.Voice.Input.Name = ProviderPortAudio
	}
	if cfg.Voice.Output.Name == "" {
		cfg.Voice.Output.Name = ProviderPortAudio
	}
	for i := range cfg.Chat.Providers {
		if cfg.Chat.Providers[i].Model == "" && cfg.Chat.Providers[i].Name == "gemini" {
			cfg.Chat.Providers[i].Model = "gemini-2.5-flash"
		}
	}
}

// expandEnv replaces ${VAR} and $VAR references in credentials and endpoints.
func expandEnv(cfg *Config) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	expand(&cfg.Voice.Provider)
	for i := range cfg.Voice.Fallbacks {
		expand(&cfg.Voice.Fallbacks[i])
	}
	for i := range cfg.Chat.Providers {
		expand(&cfg.Chat.Providers[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Voice
	if cfg.Voice.Provider.Name == "" {
		errs = append(errs, errors.New("voice.provider.name is required"))
	}
	validateProviderName("s2s", cfg.Voice.Provider.Name)
	for i, fb := range cfg.Voice.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("voice.fallbacks[%d].name is required", i))
		}
		validateProviderName("s2s", fb.Name)
	}
	validateProviderName("input", cfg.Voice.Input.Name)
	validateProviderName("output", cfg.Voice.Output.Name)
	if cfg.Voice.Input.Name == ProviderWAV && cfg.Voice.Input.OptionString("path", "") == "" {
		errs = append(errs, errors.New("voice.input.options.path is required for the wav input"))
	}
	if cfg.Voice.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("voice.queue_size %d must not be negative", cfg.Voice.QueueSize))
	}

	// Chat
	for i, p := range cfg.Chat.Providers {
		prefix := fmt.Sprintf("chat.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		validateProviderName("llm", p.Name)
	}
	if len(cfg.Chat.Providers) == 0 {
		slog.Warn("no chat provider configured; chat mode will not be available")
	}
	if cfg.Chat.Timeout < 0 {
		errs = append(errs, fmt.Errorf("chat.timeout %s must not be negative", cfg.Chat.Timeout))
	}
	if t := cfg.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", *t))
	}
	cb := cfg.Chat.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("chat.circuit_breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
