// Package audio contains the local half of the duplex voice pipeline: sample
// formats and conversion, the microphone [Capture] pipeline and the gapless
// playback [Queue].
//
// Hardware is reached through two narrow interfaces:
//
//   - [Input]: a microphone that delivers fixed-size chunks to a tap.
//   - [Output]: a speaker that plays scheduled buffers in order and reports
//     completion of each one.
//
// Implementations live in adapter packages (audio/portaudio for real devices,
// audio/mock for tests). This package lives under pkg/ because third-party
// device adapters are expected to implement [Input] and [Output].
package audio

// InputConfig configures an [Input] when capture starts.
type InputConfig struct {
	// FramesPerChunk is the number of frames delivered to the tap per call.
	FramesPerChunk int

	// VoiceProcessing enables the device's echo cancellation so that the
	// assistant's own playback is not captured. The device must be set up for
	// simultaneous capture and playback when this is true.
	VoiceProcessing bool
}

// Input is a capture device.
//
// Implementations must be safe for concurrent use; Stop may be called from a
// different goroutine than Start.
type Input interface {
	// Format returns the device-native capture format.
	Format() Format

	// Start configures the audio path and installs tap. The tap is invoked on
	// a device goroutine with buffers of cfg.FramesPerChunk frames in the
	// native format. The buffer is owned by the callee.
	Start(cfg InputConfig, tap func(Buffer)) error

	// Stop removes the tap and releases the acoustic path. Stop on a stopped
	// input is a no-op.
	Stop() error
}

// Output is a playback device.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Format returns the format every scheduled buffer must be in.
	Format() Format

	// Schedule queues buf for playback after anything already scheduled and
	// calls done once it has been played out. done must be called exactly once
	// per successful Schedule, from any goroutine, but never synchronously
	// from inside Schedule while holding locks the caller may need.
	Schedule(buf Buffer, done func()) error
}

// Flusher is implemented by outputs that can discard scheduled audio. After
// Flush returns, pending done callbacks may or may not fire.
type Flusher interface {
	Flush()
}

// Device pairs a capture input and a playback output that share one acoustic
// path (required for voice processing).
type Device interface {
	Input() Input
	Output() Output

	// Close releases the device. Idempotent.
	Close() error
}
