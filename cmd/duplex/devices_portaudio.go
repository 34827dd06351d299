//go:build portaudio

package main

import (
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/portaudio"
)

// registerDevices adds the PortAudio backend under "portaudio".
func registerDevices(reg *config.Registry) {
	reg.RegisterDevice("portaudio", func(cfg config.AudioConfig) (audio.Device, error) {
		opts := []portaudio.Option{portaudio.WithSampleRate(cfg.SampleRate)}
		if cfg.OutputChannels > 0 {
			opts = append(opts, portaudio.WithOutputChannels(cfg.OutputChannels))
		}
		if n, ok := cfg.Options["frames_per_buffer"].(int); ok && n > 0 {
			opts = append(opts, portaudio.WithFramesPerBuffer(n))
		}
		return portaudio.Open(opts...)
	})
}
