package audio

import (
	"fmt"
	"strconv"
)

// SampleType identifies the in-memory representation of a single sample.
type SampleType int

const (
	// Int16 is signed 16-bit little-endian PCM.
	Int16 SampleType = iota + 1

	// Int32 is signed 32-bit little-endian PCM.
	Int32

	// Float32 is IEEE-754 32-bit little-endian float in the range [-1, 1].
	Float32
)

// Size returns the number of bytes per sample, or 0 for an unknown type.
func (s SampleType) Size() int {
	switch s {
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// String returns the short name of the sample type.
func (s SampleType) String() string {
	switch s {
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// Format describes the layout of an audio stream. Two formats are equal iff
// every field matches, so Format values can be compared with ==.
type Format struct {
	// SampleRate in Hz (e.g. 24000 for the realtime wire format, 48000 for
	// most hardware).
	SampleRate float64

	// Channels is the number of channels per frame.
	Channels int

	// Sample is the per-sample representation.
	Sample SampleType

	// Interleaved is true when the samples of one frame are stored next to each
	// other (LRLR...). When false, each channel is stored as a contiguous plane.
	Interleaved bool
}

// FrameSize returns the number of bytes occupied by one frame across all
// channels.
func (f Format) FrameSize() int {
	return f.Sample.Size() * f.Channels
}

// Valid reports whether the format can be processed by a [Converter].
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Sample.Size() > 0
}

// String returns a human-readable description such as "24000Hz mono int16".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	layout := ""
	if !f.Interleaved && f.Channels > 1 {
		layout = " planar"
	}
	return strconv.FormatFloat(f.SampleRate, 'f', -1, 64) + "Hz " + ch + " " + f.Sample.String() + layout
}

// Wire formats used on the realtime connection.
var (
	// PCM16 is 24 kHz mono interleaved signed 16-bit PCM.
	PCM16 = Format{SampleRate: 24000, Channels: 1, Sample: Int16, Interleaved: true}

	// Telephony is 8 kHz mono signed 16-bit PCM, the linear form of the G.711
	// wire formats before companding.
	Telephony = Format{SampleRate: 8000, Channels: 1, Sample: Int16, Interleaved: true}
)

// Buffer is an owned block of samples in a known format. Data holds Frames
// frames laid out as described by Format.
type Buffer struct {
	Format Format
	Data   []byte
	Frames int
}

// NewBuffer wraps data in a Buffer, deriving the frame count from its length.
// Trailing bytes that do not form a whole frame are ignored by the frame count.
func NewBuffer(f Format, data []byte) Buffer {
	frames := 0
	if fs := f.FrameSize(); fs > 0 {
		frames = len(data) / fs
	}
	return Buffer{Format: f, Data: data, Frames: frames}
}

// Duration returns the playback length of the buffer in seconds.
func (b Buffer) Duration() float64 {
	if b.Format.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames) / b.Format.SampleRate
}
