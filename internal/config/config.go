// Package config provides the configuration schema, loader, and provider registry
// for the chati voice and chat assistant.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Voice  VoiceConfig  `yaml:"voice"`
	Chat   ChatConfig   `yaml:"chat"`
}

// ServerConfig holds network and logging settings for the operator endpoint
// that serves health probes and metrics.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// ${VAR} references are expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] if it is a string, or fallback.
func (e ProviderEntry) OptionString(key, fallback string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// OptionInt returns Options[key] if it is an integer, or fallback.
func (e ProviderEntry) OptionInt(key string, fallback int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// OptionBool returns Options[key] if it is a boolean, or fallback.
func (e ProviderEntry) OptionBool(key string, fallback bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return fallback
}

// VoiceConfig configures the realtime voice session.
type VoiceConfig struct {
	// Provider selects the speech-to-speech service. Fallbacks are tried in
	// order when the primary cannot be dialled.
	Provider  ProviderEntry   `yaml:"provider"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Voice is the prebuilt voice of synthesised speech (e.g., "Kore").
	Voice string `yaml:"voice"`

	// SystemInstruction frames the assistant. It applies to the next session
	// when changed at runtime.
	SystemInstruction string `yaml:"system_instruction"`

	// Input and Output select the audio devices, e.g. "portaudio" or "wav".
	Input  ProviderEntry `yaml:"input"`
	Output ProviderEntry `yaml:"output"`

	// QueueSize bounds the uplink frame queue. Zero uses the default.
	QueueSize int `yaml:"queue_size"`
}

// ChatConfig configures the text chat assistant.
type ChatConfig struct {
	// Providers lists the chat backends, primary first.
	Providers []ProviderEntry `yaml:"providers"`

	// SystemInstruction replaces the built-in assistant prompt when set.
	SystemInstruction string `yaml:"system_instruction"`

	// Timeout bounds one reply. Zero uses the default.
	Timeout time.Duration `yaml:"timeout"`

	// Temperature is passed to the backend when set.
	Temperature *float64 `yaml:"temperature"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-provider breakers of a fallback group.
// Zero values keep the breaker defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}
