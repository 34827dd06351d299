package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/audio/null"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory is registered under the requested name.
var ErrDeviceNotRegistered = errors.New("config: audio device not registered")

// DeviceFactory opens an audio device from its configuration.
type DeviceFactory func(AudioConfig) (audio.Device, error)

// Registry maps audio device backend names to factories. It is safe for
// concurrent use. Hardware backends that need cgo register themselves from
// build-tagged files in the binary.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns a registry with the "null" backend registered.
func NewRegistry() *Registry {
	r := &Registry{devices: make(map[string]DeviceFactory)}
	r.RegisterDevice("null", func(cfg AudioConfig) (audio.Device, error) {
		return null.New(audio.Format{
			SampleRate:  cfg.SampleRate,
			Channels:    1,
			Sample:      audio.Int16,
			Interleaved: true,
		}), nil
	})
	return r
}

// RegisterDevice registers factory under name, replacing any previous one.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// Devices lists registered backend names in order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateDevice opens the backend named by cfg.Device.
func (r *Registry) CreateDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	f, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrDeviceNotRegistered, cfg.Device, r.Devices())
	}
	d, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open audio device %q: %w", cfg.Device, err)
	}
	return d, nil
}
