package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultChunkFrames is the number of frames delivered per capture chunk.
const DefaultChunkFrames = 4096

// CaptureOption is a functional option for [NewCapture].
type CaptureOption func(*Capture)

// WithChunkFrames sets the number of frames per captured chunk.
func WithChunkFrames(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.chunkFrames = n
		}
	}
}

// WithVoiceProcessing toggles echo cancellation on the input. Enabled by
// default.
func WithVoiceProcessing(enabled bool) CaptureOption {
	return func(c *Capture) { c.voiceProcessing = enabled }
}

// Capture owns the microphone. Start and Stop are idempotent and may be
// called from any goroutine; the running flag is an atomic, not a lock, so a
// Stop issued while Start is configuring the device never blocks.
type Capture struct {
	in              Input
	chunkFrames     int
	voiceProcessing bool

	running atomic.Bool

	// dev serialises device calls so a Stop racing a Start cannot leave the
	// tap installed after running was cleared. started is guarded by dev.
	dev     sync.Mutex
	started bool
}

// NewCapture creates a stopped Capture reading from in.
func NewCapture(in Input, opts ...CaptureOption) *Capture {
	c := &Capture{
		in:              in,
		chunkFrames:     DefaultChunkFrames,
		voiceProcessing: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Running reports whether the microphone tap is installed.
func (c *Capture) Running() bool { return c.running.Load() }

// Start installs the tap and begins delivering chunks in the device-native
// format to onChunk. A second Start while running is a no-op. Device errors
// are logged and leave the pipeline stopped.
func (c *Capture) Start(onChunk func(Buffer)) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	c.dev.Lock()
	defer c.dev.Unlock()
	if !c.running.Load() || c.started {
		// Stopped before we got the device, or a concurrent Start won.
		return
	}

	cfg := InputConfig{FramesPerChunk: c.chunkFrames, VoiceProcessing: c.voiceProcessing}
	err := c.in.Start(cfg, func(buf Buffer) {
		if c.running.Load() {
			onChunk(buf)
		}
	})
	if err != nil {
		c.running.Store(false)
		slog.Error("audio capture: failed to start input", "err", err)
		return
	}
	c.started = true
	slog.Debug("audio capture: started",
		"format", c.in.Format().String(),
		"chunk_frames", c.chunkFrames,
		"voice_processing", c.voiceProcessing,
	)
}

// Stop removes the tap. Stop on a stopped pipeline is a no-op.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.dev.Lock()
	defer c.dev.Unlock()
	if !c.started || c.running.Load() {
		// Never started, or a newer Start has already claimed the device.
		return
	}
	c.started = false
	if err := c.in.Stop(); err != nil {
		slog.Warn("audio capture: failed to stop input", "err", err)
	}
	slog.Debug("audio capture: stopped")
}
