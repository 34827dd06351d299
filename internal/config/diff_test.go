package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	base := mustLoad(t, fullYAML)

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("diff = %+v, want empty", d)
				}
			},
		},
		{
			name:   "instructions",
			mutate: func(c *config.Config) { c.Session.Instructions = "Answer like a pirate." },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.InstructionsChanged || !d.SessionChanged() || d.RestartRequired {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Session.Voice = "shimmer" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoiceChanged || d.InstructionsChanged || d.RestartRequired {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "tools",
			mutate: func(c *config.Config) { c.Tools.Breaker.ResetTimeout = time.Minute },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ToolsChanged || !d.SessionChanged() {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn || d.SessionChanged() {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "endpoint needs restart",
			mutate: func(c *config.Config) { c.Realtime.Model = "gpt-4o-mini-realtime-preview" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RestartRequired || d.SessionChanged() {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "wire format needs restart",
			mutate: func(c *config.Config) { c.Session.OutputAudioFormat = "g711_alaw" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RestartRequired {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "audio device needs restart",
			mutate: func(c *config.Config) { c.Audio.ChunkFrames = 1024 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.RestartRequired {
					t.Errorf("diff = %+v", d)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := mustLoad(t, fullYAML)
			tt.mutate(next)
			tt.check(t, config.Diff(base, next))
		})
	}
}
