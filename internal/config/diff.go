package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true if the voice or the system instruction of the
	// voice session changed. Both apply to the next session.
	VoiceChanged bool

	// ChatPromptChanged is true if the chat system instruction changed.
	ChatPromptChanged bool

	// RestartRequired lists the sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.ChatPromptChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice.Voice != new.Voice.Voice || old.Voice.SystemInstruction != new.Voice.SystemInstruction {
		d.VoiceChanged = true
	}

	if old.Chat.SystemInstruction != new.Chat.SystemInstruction {
		d.ChatPromptChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !entryEqual(old.Voice.Provider, new.Voice.Provider) || !slices.EqualFunc(old.Voice.Fallbacks, new.Voice.Fallbacks, entryEqual) {
		d.RestartRequired = append(d.RestartRequired, "voice.provider")
	}
	if !entryEqual(old.Voice.Input, new.Voice.Input) || !entryEqual(old.Voice.Output, new.Voice.Output) {
		d.RestartRequired = append(d.RestartRequired, "voice.devices")
	}
	if !slices.EqualFunc(old.Chat.Providers, new.Chat.Providers, entryEqual) {
		d.RestartRequired = append(d.RestartRequired, "chat.providers")
	}

	return d
}

// entryEqual compares the fixed fields of two entries. Option values are
// compared only when they are strings.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok {
			return false
		}
		if as, ok := av.(string); ok {
			if bs, ok := bv.(string); !ok || as != bs {
				return false
			}
		}
	}
	return true
}
