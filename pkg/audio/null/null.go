// Package null provides an [audio.Device] without hardware: the input
// produces silence at real-time pace and the output discards audio after
// waiting for its playback duration. It lets the assistant run headless.
package null

import (
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a silent [audio.Device].
type Device struct {
	in  *input
	out *output
}

// New returns a Device capturing and playing in f.
func New(f audio.Format) *Device {
	return &Device{in: &input{format: f}, out: &output{format: f}}
}

// Input implements [audio.Device].
func (d *Device) Input() audio.Input { return d.in }

// Output implements [audio.Device].
func (d *Device) Output() audio.Output { return d.out }

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.out.Flush()
	return d.in.Stop()
}

type input struct {
	format audio.Format

	mu   sync.Mutex
	stop chan struct{}
}

func (in *input) Format() audio.Format { return in.format }

func (in *input) Start(cfg audio.InputConfig, tap func(audio.Buffer)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	in.stop = stop

	frames := max(cfg.FramesPerChunk, 1)
	interval := time.Duration(float64(frames) / in.format.SampleRate * float64(time.Second))
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tap(audio.Buffer{
					Format: in.format,
					Data:   make([]byte, frames*in.format.FrameSize()),
					Frames: frames,
				})
			}
		}
	}()
	return nil
}

func (in *input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stop != nil {
		close(in.stop)
		in.stop = nil
	}
	return nil
}

type output struct {
	format audio.Format

	mu     sync.Mutex
	timers []*time.Timer
	// busyUntil is when the last scheduled buffer finishes.
	busyUntil time.Time
}

func (o *output) Format() audio.Format { return o.format }

func (o *output) Schedule(buf audio.Buffer, done func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	start := now
	if o.busyUntil.After(now) {
		start = o.busyUntil
	} else {
		// Everything scheduled earlier has fired.
		o.timers = o.timers[:0]
	}
	o.busyUntil = start.Add(time.Duration(buf.Duration() * float64(time.Second)))
	o.timers = append(o.timers, time.AfterFunc(o.busyUntil.Sub(now), done))
	return nil
}

// Flush implements [audio.Flusher].
func (o *output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = nil
	o.busyUntil = time.Time{}
}
