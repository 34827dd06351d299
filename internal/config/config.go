// Package config provides the configuration schema, loader, hot-reload
// watcher and audio device registry for duplex.
package config

import (
	"time"

	"github.com/MrWong99/duplex/internal/tools"
	"github.com/MrWong99/duplex/pkg/audio"
)

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

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Tools    ToolsConfig    `yaml:"tools"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the HTTP control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the health, metrics and control server.
	// Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// RealtimeConfig locates the realtime model endpoint.
type RealtimeConfig struct {
	URL    string `yaml:"url"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable that holds the key. It is read
	// when APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// Headers are extra handshake headers.
	Headers map[string]string `yaml:"headers"`
}

// SessionConfig holds the local overrides merged into the server session.
type SessionConfig struct {
	Instructions      string         `yaml:"instructions"`
	Voice             string         `yaml:"voice"`
	Modalities        []string       `yaml:"modalities"`
	InputAudioFormat  audio.Encoding `yaml:"input_audio_format"`
	OutputAudioFormat audio.Encoding `yaml:"output_audio_format"`

	// TurnDetection configures server-side voice activity detection. Nil gets
	// the server_vad defaults.
	TurnDetection *TurnDetectionConfig `yaml:"turn_detection"`

	// InputTranscriptionModel enables transcription of the user's speech,
	// e.g. "whisper-1".
	InputTranscriptionModel string `yaml:"input_transcription_model"`

	ToolChoice  string  `yaml:"tool_choice"`
	Temperature float64 `yaml:"temperature"`

	// MaxOutputTokens caps each response. Zero means unlimited.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// AutoOpenMic opens the microphone once the session is configured.
	// Default: true.
	AutoOpenMic *bool `yaml:"auto_open_mic"`
}

// TurnDetectionConfig mirrors the realtime turn_detection object.
type TurnDetectionConfig struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// AudioConfig selects and tunes the audio device.
type AudioConfig struct {
	// Device is the registered backend name, e.g. "portaudio" or "null".
	Device string `yaml:"device"`

	// SampleRate of the device streams in Hz. Default: 48000.
	SampleRate float64 `yaml:"sample_rate"`

	// OutputChannels of the playback stream. Default: 1.
	OutputChannels int `yaml:"output_channels"`

	// ChunkFrames is the capture chunk size in device frames. Default: 4096.
	ChunkFrames int `yaml:"chunk_frames"`

	// VoiceProcessing enables echo cancellation. Default: true.
	VoiceProcessing *bool `yaml:"voice_processing"`

	// Options carries backend-specific settings.
	Options map[string]any `yaml:"options"`
}

// ToolsConfig declares the functions offered to the model.
type ToolsConfig struct {
	// Builtin lists built-in tool names, e.g. get_weather.
	Builtin []string `yaml:"builtin"`

	MCPServers []MCPServerConfig `yaml:"mcp_servers"`

	Breaker BreakerConfig `yaml:"breaker"`

	// CallTimeout bounds each tool call. Default: 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport tools.Transport   `yaml:"transport"`
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// BreakerConfig tunes the per-tool circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// LogConfig configures conversation log persistence.
type LogConfig struct {
	// PostgresDSN enables the PostgreSQL conversation store when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}
