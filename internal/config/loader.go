package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/duplex/internal/tools"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/realtime"
)

// Defaults for unset fields.
const (
	DefaultURL          = "wss://api.openai.com/v1/realtime"
	DefaultModel        = "gpt-4o-realtime-preview"
	DefaultInstructions = "You are a helpful and friendly AI."
	DefaultVoice        = "alloy"
	DefaultDevice       = "null"
	DefaultSampleRate   = 48000
	DefaultChunkFrames  = 4096
)

var validModalities = []string{"text", "audio"}

// Load reads the YAML configuration file at path, applies defaults and
// validates it.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are errors. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = DefaultURL
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultModel
	}
	if cfg.Realtime.APIKey == "" && cfg.Realtime.APIKeyEnv != "" {
		cfg.Realtime.APIKey = os.Getenv(cfg.Realtime.APIKeyEnv)
	}

	s := &cfg.Session
	if s.Instructions == "" {
		s.Instructions = DefaultInstructions
	}
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if len(s.Modalities) == 0 {
		s.Modalities = []string{"text", "audio"}
	}
	if s.InputAudioFormat == "" {
		s.InputAudioFormat = audio.EncodingPCM16
	}
	if s.OutputAudioFormat == "" {
		s.OutputAudioFormat = audio.EncodingPCM16
	}
	if s.TurnDetection == nil {
		td := realtime.DefaultTurnDetection()
		s.TurnDetection = &TurnDetectionConfig{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if s.AutoOpenMic == nil {
		s.AutoOpenMic = ptr(true)
	}

	a := &cfg.Audio
	if a.Device == "" {
		a.Device = DefaultDevice
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.OutputChannels == 0 {
		a.OutputChannels = 1
	}
	if a.ChunkFrames == 0 {
		a.ChunkFrames = DefaultChunkFrames
	}
	if a.VoiceProcessing == nil {
		a.VoiceProcessing = ptr(true)
	}
}

// Validate checks that cfg is coherent and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if u, err := url.Parse(cfg.Realtime.URL); err != nil {
		errs = append(errs, fmt.Errorf("realtime.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("realtime.url %q must use ws or wss", cfg.Realtime.URL))
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; the server will likely reject the handshake")
	}

	s := cfg.Session
	for _, m := range s.Modalities {
		if !slices.Contains(validModalities, m) {
			errs = append(errs, fmt.Errorf("session.modalities: %q is invalid; valid values: text, audio", m))
		}
	}
	if s.InputAudioFormat != "" && !s.InputAudioFormat.IsValid() {
		errs = append(errs, fmt.Errorf("session.input_audio_format %q is invalid; valid values: pcm16, g711_ulaw, g711_alaw", s.InputAudioFormat))
	}
	if s.OutputAudioFormat != "" && !s.OutputAudioFormat.IsValid() {
		errs = append(errs, fmt.Errorf("session.output_audio_format %q is invalid; valid values: pcm16, g711_ulaw, g711_alaw", s.OutputAudioFormat))
	}
	if td := s.TurnDetection; td != nil && td.Type == "server_vad" {
		if td.Threshold < 0 || td.Threshold > 1 {
			errs = append(errs, fmt.Errorf("session.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			errs = append(errs, errors.New("session.turn_detection durations must not be negative"))
		}
	}
	if s.Temperature != 0 && (s.Temperature < 0.6 || s.Temperature > 1.2) {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0.6, 1.2]", s.Temperature))
	}
	if s.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_output_tokens %d must not be negative", s.MaxOutputTokens))
	}

	if cfg.Audio.SampleRate < 0 || cfg.Audio.ChunkFrames < 0 || cfg.Audio.OutputChannels < 0 {
		errs = append(errs, errors.New("audio: sample_rate, chunk_frames and output_channels must not be negative"))
	}

	for i, name := range cfg.Tools.Builtin {
		if _, ok := tools.Builtin(name); !ok {
			errs = append(errs, fmt.Errorf("tools.builtin[%d] %q is unknown; valid values: %v", i, name, tools.BuiltinNames()))
		}
	}
	seen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}
	if cfg.Tools.Breaker.MaxFailures < 0 || cfg.Tools.Breaker.ResetTimeout < 0 || cfg.Tools.CallTimeout < 0 {
		errs = append(errs, errors.New("tools: breaker and timeout settings must not be negative"))
	}

	return errors.Join(errs...)
}

// ── Conversions ───────────────────────────────────────────────────────────────

// DialConfig returns the websocket handshake settings.
func (c *Config) DialConfig() realtime.DialConfig {
	h := make(http.Header, len(c.Realtime.Headers))
	for k, v := range c.Realtime.Headers {
		h.Set(k, v)
	}
	return realtime.DialConfig{
		URL:    c.Realtime.URL,
		Model:  c.Realtime.Model,
		APIKey: c.Realtime.APIKey,
		Header: h,
	}
}

// RealtimeSession returns the local session overrides. Tools are filled in by
// the session from its dispatcher.
func (c *Config) RealtimeSession() realtime.SessionConfig {
	s := c.Session
	out := realtime.SessionConfig{
		Modalities:              s.Modalities,
		Instructions:            s.Instructions,
		Voice:                   s.Voice,
		InputAudioFormat:        string(s.InputAudioFormat),
		OutputAudioFormat:       string(s.OutputAudioFormat),
		ToolChoice:              s.ToolChoice,
		Temperature:             s.Temperature,
		MaxResponseOutputTokens: realtime.TokenLimit(s.MaxOutputTokens),
	}
	if td := s.TurnDetection; td != nil {
		out.TurnDetection = &realtime.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if s.InputTranscriptionModel != "" {
		out.InputAudioTranscription = &realtime.InputAudioTranscription{Model: s.InputTranscriptionModel}
	}
	return out
}

// SlogLevel maps the configured level to a [slog.Level].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ptr[T any](v T) *T { return &v }
