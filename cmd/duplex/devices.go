//go:build !portaudio

package main

import "github.com/MrWong99/duplex/internal/config"

// registerDevices adds the hardware backends compiled into this binary. Build
// with -tags portaudio for microphone and speaker support; without it only the
// built-in "null" device is available.
func registerDevices(*config.Registry) {}
