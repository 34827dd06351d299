//go:build portaudio

// Package portaudio implements [audio.Device] on top of PortAudio's default
// input and output devices.
//
// Both directions use the blocking stream API with int16 interleaved
// buffers: a reader goroutine feeds the capture tap, and a writer goroutine
// plays scheduled buffers strictly in order and reports completion once the
// last frame has been written. PortAudio has no echo canceller, so
// [audio.InputConfig.VoiceProcessing] is logged and otherwise ignored; use a
// headset or an OS-level echo-cancelling source.
//
// Build with -tags portaudio; the package needs the PortAudio C library.
package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Input   = (*input)(nil)
	_ audio.Output  = (*output)(nil)
	_ audio.Flusher = (*output)(nil)
)

// ErrClosed is returned when scheduling on a closed device.
var ErrClosed = errors.New("portaudio: device closed")

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [Open].
type Option func(*Device)

// WithSampleRate sets the sample rate of both streams. Default 48000.
func WithSampleRate(rate float64) Option {
	return func(d *Device) { d.rate = rate }
}

// WithOutputChannels sets the playback channel count. Default 1.
func WithOutputChannels(n int) Option {
	return func(d *Device) { d.outChannels = n }
}

// WithFramesPerBuffer sets the PortAudio buffer size for playback writes.
// Default 1024.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) { d.framesPerBuffer = n }
}

// ── Device ────────────────────────────────────────────────────────────────────

// Device owns the PortAudio library handle and both streams.
type Device struct {
	rate            float64
	outChannels     int
	framesPerBuffer int

	in  *input
	out *output

	closeOnce sync.Once
}

// Open initialises PortAudio and opens the default output stream. The input
// stream is opened lazily on every capture start.
func Open(opts ...Option) (*Device, error) {
	d := &Device{rate: 48000, outChannels: 1, framesPerBuffer: 1024}
	for _, o := range opts {
		o(d)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	out, err := openOutput(audio.Format{
		SampleRate:  d.rate,
		Channels:    d.outChannels,
		Sample:      audio.Int16,
		Interleaved: true,
	}, d.framesPerBuffer)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	d.out = out
	d.in = &input{format: audio.Format{SampleRate: d.rate, Channels: 1, Sample: audio.Int16, Interleaved: true}}
	return d, nil
}

// Input implements [audio.Device].
func (d *Device) Input() audio.Input { return d.in }

// Output implements [audio.Device].
func (d *Device) Output() audio.Output { return d.out }

// Close stops both streams and terminates PortAudio. Idempotent.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = errors.Join(d.in.Stop(), d.out.close(), portaudio.Terminate())
	})
	return err
}

// ── input ─────────────────────────────────────────────────────────────────────

type input struct {
	format audio.Format

	mu     sync.Mutex
	stream *portaudio.Stream
	stop   chan struct{}
	done   chan struct{}
}

func (in *input) Format() audio.Format { return in.format }

func (in *input) Start(cfg audio.InputConfig, tap func(audio.Buffer)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return nil
	}
	if cfg.VoiceProcessing {
		slog.Debug("portaudio: voice processing requested but not available")
	}

	frames := cfg.FramesPerChunk
	samples := make([]int16, frames*in.format.Channels)
	stream, err := portaudio.OpenDefaultStream(in.format.Channels, 0, in.format.SampleRate, frames, samples)
	if err != nil {
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start input: %w", err)
	}

	in.stream = stream
	in.stop = make(chan struct{})
	in.done = make(chan struct{})
	go in.readLoop(stream, samples, tap, in.stop, in.done)
	return nil
}

func (in *input) readLoop(stream *portaudio.Stream, samples []int16, tap func(audio.Buffer), stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := stream.Read(); err != nil {
			select {
			case <-stop:
			default:
				slog.Warn("portaudio: input read failed", "err", err)
			}
			return
		}
		data := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		tap(audio.NewBuffer(in.format, data))
	}
}

func (in *input) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream == nil {
		return nil
	}
	close(in.stop)
	err := in.stream.Stop()
	<-in.done
	err = errors.Join(err, in.stream.Close())
	in.stream = nil
	if err != nil {
		return fmt.Errorf("portaudio: stop input: %w", err)
	}
	return nil
}

// ── output ────────────────────────────────────────────────────────────────────

type job struct {
	buf  audio.Buffer
	gen  uint64
	done func()
}

type output struct {
	format          audio.Format
	framesPerBuffer int
	stream          *portaudio.Stream
	samples         []int16

	mu     sync.Mutex
	jobs   []job
	gen    uint64
	closed bool
	wake   chan struct{}
	exited chan struct{}
}

func openOutput(f audio.Format, framesPerBuffer int) (*output, error) {
	samples := make([]int16, framesPerBuffer*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, f.SampleRate, framesPerBuffer, samples)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	o := &output{
		format:          f,
		framesPerBuffer: framesPerBuffer,
		stream:          stream,
		samples:         samples,
		wake:            make(chan struct{}, 1),
		exited:          make(chan struct{}),
	}
	go o.writeLoop()
	return o, nil
}

func (o *output) Format() audio.Format { return o.format }

func (o *output) Schedule(buf audio.Buffer, done func()) error {
	if buf.Format != o.format {
		return fmt.Errorf("portaudio: buffer format %s does not match output %s", buf.Format, o.format)
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.jobs = append(o.jobs, job{buf: buf, gen: o.gen, done: done})
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

func (o *output) Flush() {
	o.mu.Lock()
	o.jobs = nil
	o.gen++
	o.mu.Unlock()
}

// next pops the oldest job. ok is false once the output is closed.
func (o *output) next() (j job, ok bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return job{}, false
		}
		if len(o.jobs) > 0 {
			j = o.jobs[0]
			o.jobs = o.jobs[1:]
			o.mu.Unlock()
			return j, true
		}
		o.mu.Unlock()
		<-o.wake
	}
}

func (o *output) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed && o.gen == gen
}

func (o *output) writeLoop() {
	defer close(o.exited)
	frameBytes := o.format.FrameSize()
	for {
		j, ok := o.next()
		if !ok {
			return
		}
		data := j.buf.Data[:j.buf.Frames*frameBytes]
		for off := 0; off < len(data) && o.current(j.gen); off += len(o.samples) * 2 {
			for i := range o.samples {
				p := off + i*2
				if p+1 < len(data) {
					o.samples[i] = int16(binary.LittleEndian.Uint16(data[p:]))
				} else {
					o.samples[i] = 0
				}
			}
			if err := o.stream.Write(); err != nil {
				slog.Debug("portaudio: output write", "err", err)
			}
		}
		if o.current(j.gen) {
			j.done()
		}
	}
}

func (o *output) close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.jobs = nil
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	<-o.exited
	return errors.Join(o.stream.Stop(), o.stream.Close())
}
