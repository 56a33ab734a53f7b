package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/chati/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Voice: config.VoiceConfig{
			Provider:          config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
			Voice:             "Kore",
			SystemInstruction: "hello",
			Input:             config.ProviderEntry{Name: "portaudio"},
			Output:            config.ProviderEntry{Name: "wav", Options: map[string]any{"dir": "/a"}},
		},
		Chat: config.ChatConfig{
			Providers:         []config.ProviderEntry{{Name: "gemini", Model: "m"}},
			SystemInstruction: "be kind",
		},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); !d.Empty() {
		t.Fatalf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(d config.ConfigDiff) bool {
				return d.LogLevelChanged && d.NewLogLevel == config.LogDebug
			},
		},
		{
			name:   "voice instruction",
			mutate: func(c *config.Config) { c.Voice.SystemInstruction = "bye" },
			check:  func(d config.ConfigDiff) bool { return d.VoiceChanged && !d.ChatPromptChanged },
		},
		{
			name:   "voice name",
			mutate: func(c *config.Config) { c.Voice.Voice = "Puck" },
			check:  func(d config.ConfigDiff) bool { return d.VoiceChanged },
		},
		{
			name:   "chat prompt",
			mutate: func(c *config.Config) { c.Chat.SystemInstruction = "be brief" },
			check:  func(d config.ConfigDiff) bool { return d.ChatPromptChanged && !d.VoiceChanged },
		},
		{
			name:    "listen address",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			check:   func(d config.ConfigDiff) bool { return !d.LogLevelChanged },
			restart: []string{"server.listen_addr"},
		},
		{
			name:    "voice api key",
			mutate:  func(c *config.Config) { c.Voice.Provider.APIKey = "rotated" },
			check:   func(d config.ConfigDiff) bool { return !d.VoiceChanged },
			restart: []string{"voice.provider"},
		},
		{
			name:    "output option",
			mutate:  func(c *config.Config) { c.Voice.Output.Options["dir"] = "/b" },
			check:   func(d config.ConfigDiff) bool { return true },
			restart: []string{"voice.devices"},
		},
		{
			name: "chat fallback added",
			mutate: func(c *config.Config) {
				c.Chat.Providers = append(c.Chat.Providers, config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"})
			},
			check:   func(d config.ConfigDiff) bool { return true },
			restart: []string{"chat.providers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			d := config.Diff(baseConfig(), next)
			if d.Empty() {
				t.Fatal("diff is empty")
			}
			if !tt.check(d) {
				t.Errorf("unexpected diff %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
		})
	}
}
