// Package mock provides in-memory implementations of the [audio.Input],
// [audio.Output] and [audio.Device] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	dev := mock.NewDevice(audio.Format{SampleRate: 48000, Channels: 1, Sample: audio.Float32, Interleaved: true}, audio.PCM16)
//	capture := audio.NewCapture(dev.In)
//	capture.Start(func(b audio.Buffer) { ... })
//	dev.In.Emit(buf)       // deliver a chunk to the tap
//	dev.Out.CompleteNext() // finish the oldest scheduled buffer
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
)

// ErrAlreadyStarted is returned by [Input.Start] when the input is running.
var ErrAlreadyStarted = errors.New("mock: input already started")

// Compile-time interface assertions.
var (
	_ audio.Input   = (*Input)(nil)
	_ audio.Output  = (*Output)(nil)
	_ audio.Flusher = (*Output)(nil)
	_ audio.Device  = (*Device)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock microphone. Chunks are delivered with [Input.Emit].
type Input struct {
	mu  sync.Mutex
	tap func(audio.Buffer)

	// NativeFormat is returned by Format.
	NativeFormat audio.Format

	// StartError, when non-nil, is returned by Start and no tap is installed.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// StartCalls records the config of every successful Start.
	StartCalls []audio.InputConfig

	// CallCountStart / CallCountStop count every invocation, including failed
	// ones.
	CallCountStart int
	CallCountStop  int
}

// Format implements [audio.Input].
func (in *Input) Format() audio.Format {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.NativeFormat
}

// Start implements [audio.Input].
func (in *Input) Start(cfg audio.InputConfig, tap func(audio.Buffer)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountStart++
	if in.StartError != nil {
		return in.StartError
	}
	if in.tap != nil {
		return ErrAlreadyStarted
	}
	in.tap = tap
	in.StartCalls = append(in.StartCalls, cfg)
	return nil
}

// Stop implements [audio.Input].
func (in *Input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountStop++
	in.tap = nil
	return in.StopError
}

// Running reports whether a tap is installed.
func (in *Input) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.tap != nil
}

// Emit delivers buf to the installed tap on the calling goroutine. It reports
// false when no tap is installed.
func (in *Input) Emit(buf audio.Buffer) bool {
	in.mu.Lock()
	tap := in.tap
	in.mu.Unlock()
	if tap == nil {
		return false
	}
	tap(buf)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// scheduled is one buffer handed to [Output.Schedule].
type scheduled struct {
	buf  audio.Buffer
	done func()
}

// Output is a mock speaker. Scheduled buffers stay pending until the test
// completes them with [Output.CompleteNext], unless AutoComplete is set.
type Output struct {
	mu sync.Mutex

	// PlaybackFormat is returned by Format.
	PlaybackFormat audio.Format

	// ScheduleError, when non-nil, is returned by Schedule.
	ScheduleError error

	// AutoComplete makes every scheduled buffer complete on a new goroutine.
	AutoComplete bool

	// History records every successfully scheduled buffer in order.
	History []audio.Buffer

	// CallCountFlush counts Flush invocations.
	CallCountFlush int

	pending []scheduled
}

// Format implements [audio.Output].
func (o *Output) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.PlaybackFormat
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, done func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return o.ScheduleError
	}
	o.History = append(o.History, buf)
	if o.AutoComplete {
		go done()
		return nil
	}
	o.pending = append(o.pending, scheduled{buf: buf, done: done})
	return nil
}

// Flush implements [audio.Flusher]. Pending buffers are dropped without
// completing.
func (o *Output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountFlush++
	o.pending = nil
}

// Pending returns the number of scheduled buffers that have not completed.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Scheduled returns a copy of every buffer scheduled so far.
func (o *Output) Scheduled() []audio.Buffer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]audio.Buffer(nil), o.History...)
}

// CompleteNext finishes the oldest pending buffer on the calling goroutine.
// It reports false when nothing is pending.
func (o *Output) CompleteNext() bool {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return false
	}
	next := o.pending[0]
	o.pending = o.pending[1:]
	o.mu.Unlock()

	next.done()
	return true
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device bundles a mock [Input] and [Output].
type Device struct {
	In  *Input
	Out *Output

	mu             sync.Mutex
	CallCountClose int
}

// NewDevice returns a Device whose input captures in native and whose output
// plays in playback.
func NewDevice(native, playback audio.Format) *Device {
	return &Device{
		In:  &Input{NativeFormat: native},
		Out: &Output{PlaybackFormat: playback},
	}
}

// Input implements [audio.Device].
func (d *Device) Input() audio.Input { return d.In }

// Output implements [audio.Device].
func (d *Device) Output() audio.Output { return d.Out }

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}
