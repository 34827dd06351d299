package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied to a live session are tracked; everything else needs a
// reconnect or restart.
type ConfigDiff struct {
	InstructionsChanged bool
	VoiceChanged        bool

	// ToolsChanged covers built-ins, MCP servers and breaker settings.
	ToolsChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is set when settings outside the hot-reloadable set
	// changed, such as the endpoint or the audio device.
	RestartRequired bool
}

// SessionChanged reports whether a new session.update is needed.
func (d ConfigDiff) SessionChanged() bool {
	return d.InstructionsChanged || d.VoiceChanged || d.ToolsChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.SessionChanged() && !d.LogLevelChanged && !d.RestartRequired
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		InstructionsChanged: old.Session.Instructions != new.Session.Instructions,
		VoiceChanged:        old.Session.Voice != new.Session.Voice,
		ToolsChanged:        !reflect.DeepEqual(old.Tools, new.Tools),
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Realtime, new.Realtime) ||
		!reflect.DeepEqual(old.Audio, new.Audio) ||
		old.Log != new.Log ||
		!reflect.DeepEqual(sessionRest(old.Session), sessionRest(new.Session)) {
		d.RestartRequired = true
	}
	return d
}

// sessionRest blanks the hot-reloadable session fields.
func sessionRest(s SessionConfig) SessionConfig {
	s.Instructions, s.Voice = "", ""
	return s
}
