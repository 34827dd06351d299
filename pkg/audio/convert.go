package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

var (
	// ErrUnsupported is returned when no conversion exists between the input
	// format and the converter target (unknown sample type, zero rate or an
	// n→m channel mapping other than n→n, n→1 and 1→n).
	ErrUnsupported = errors.New("audio: unsupported conversion")

	// ErrAllocationFailed is returned when the output storage for a
	// conversion cannot be obtained: the required capacity exceeds the
	// converter limit, or the input storage does not hold the frames it
	// declares.
	ErrAllocationFailed = errors.New("audio: output allocation failed")
)

// DefaultMaxFrames bounds the output capacity of a single conversion when
// [Converter.MaxFrames] is zero. It is roughly 87 seconds at 48 kHz.
const DefaultMaxFrames = 1 << 22

// Converter converts [Buffer] values to a fixed Target format.
//
// A Converter caches the conversion for the most recent input format and
// rebuilds it transparently when a buffer in a different format arrives. It
// holds at most one live conversion. Create one per direction; a Converter is
// not safe for concurrent use.
type Converter struct {
	// Target is the output format of every conversion.
	Target Format

	// MaxFrames limits the output frame capacity of a single conversion.
	// Zero means [DefaultMaxFrames].
	MaxFrames int

	active *conversion

	// warned holds the input formats already reported as unsupported.
	warned map[Format]bool
}

// NewConverter returns a Converter producing buffers in target.
func NewConverter(target Format) *Converter {
	return &Converter{Target: target}
}

// Convert returns buf converted to c.Target. When buf is already in the target
// format it is returned unchanged. Otherwise the returned buffer owns freshly
// allocated storage with capacity for ceil(target/source rate × frames) frames.
//
// Errors wrap [ErrUnsupported] or [ErrAllocationFailed]; both are recoverable
// and callers are expected to drop the buffer and carry on.
func (c *Converter) Convert(buf Buffer) (Buffer, error) {
	if buf.Format == c.Target {
		return buf, nil
	}
	if !buf.Format.Valid() || !c.Target.Valid() {
		return Buffer{}, fmt.Errorf("%w: %s to %s", ErrUnsupported, buf.Format, c.Target)
	}
	if need := buf.Frames * buf.Format.FrameSize(); buf.Frames < 0 || len(buf.Data) < need {
		return Buffer{}, fmt.Errorf("%w: %d bytes cannot hold %d frames of %s",
			ErrAllocationFailed, len(buf.Data), buf.Frames, buf.Format)
	}

	conv, err := c.conversionFor(buf.Format)
	if err != nil {
		return Buffer{}, err
	}

	limit := c.MaxFrames
	if limit <= 0 {
		limit = DefaultMaxFrames
	}
	// Checked as a float: extreme rate ratios overflow int.
	want := conv.capacity(buf.Frames)
	if !(want >= 0 && want <= float64(limit)) {
		return Buffer{}, fmt.Errorf("%w: %g frames exceeds limit of %d", ErrAllocationFailed, want, limit)
	}
	return conv.run(singleShot(buf), int(want)), nil
}

// conversionFor returns the cached conversion for from, rebuilding it when the
// input format changed since the previous call.
func (c *Converter) conversionFor(from Format) (*conversion, error) {
	if c.active != nil && c.active.from == from && c.active.to == c.Target {
		return c.active, nil
	}
	conv, err := newConversion(from, c.Target)
	if err != nil {
		if !c.warned[from] {
			if c.warned == nil {
				c.warned = make(map[Format]bool)
			}
			c.warned[from] = true
			slog.Warn("audio converter: unsupported input format; dropping buffers", "from", from.String(), "to", c.Target.String())
		}
		return nil, err
	}
	slog.Debug("audio converter: building conversion", "from", from.String(), "to", c.Target.String())
	c.active = conv
	return conv, nil
}

// ── conversion ────────────────────────────────────────────────────────────────

// pullFunc supplies input to a conversion. It returns false once the input is
// exhausted.
type pullFunc func() (Buffer, bool)

// singleShot returns a pullFunc that yields buf exactly once and then reports
// end of input on every later call.
func singleShot(buf Buffer) pullFunc {
	delivered := false
	return func() (Buffer, bool) {
		if delivered {
			return Buffer{}, false
		}
		delivered = true
		return buf, true
	}
}

// conversion is a bound (from → to) transform. Resampling is linear
// interpolation and does not carry state across calls.
type conversion struct {
	from, to Format
	ratio    float64 // to.SampleRate / from.SampleRate
}

func newConversion(from, to Format) (*conversion, error) {
	if from.Channels != to.Channels && to.Channels != 1 && from.Channels != 1 {
		return nil, fmt.Errorf("%w: cannot map %d channels to %d", ErrUnsupported, from.Channels, to.Channels)
	}
	return &conversion{from: from, to: to, ratio: to.SampleRate / from.SampleRate}, nil
}

func (cv *conversion) capacity(frames int) float64 {
	return math.Ceil(cv.ratio * float64(frames))
}

// run pulls input until exhausted and renders it into a new buffer holding at
// most capacity frames.
func (cv *conversion) run(pull pullFunc, capacity int) Buffer {
	planes := make([][]float64, cv.to.Channels)
	for ch := range planes {
		planes[ch] = make([]float64, 0, capacity)
	}

	for {
		in, ok := pull()
		if !ok {
			break
		}
		mixed := remapChannels(decodePlanes(in), cv.to.Channels)
		for ch, plane := range mixed {
			out := resampleLinear(plane, cv.ratio)
			if room := capacity - len(planes[ch]); len(out) > room {
				out = out[:room]
			}
			planes[ch] = append(planes[ch], out...)
		}
	}

	frames := len(planes[0])
	return Buffer{Format: cv.to, Data: encodePlanes(planes, cv.to), Frames: frames}
}

// ── sample helpers ────────────────────────────────────────────────────────────

// sampleOffset returns the byte offset of sample (frame, ch) in a buffer.
func sampleOffset(f Format, frames, frame, ch int) int {
	if f.Interleaved || f.Channels == 1 {
		return (frame*f.Channels + ch) * f.Sample.Size()
	}
	return (ch*frames + frame) * f.Sample.Size()
}

// decodePlanes splits buf into one normalised float plane per channel.
func decodePlanes(buf Buffer) [][]float64 {
	f := buf.Format
	planes := make([][]float64, f.Channels)
	for ch := range planes {
		plane := make([]float64, buf.Frames)
		for i := range plane {
			off := sampleOffset(f, buf.Frames, i, ch)
			plane[i] = readSample(buf.Data[off:], f.Sample)
		}
		planes[ch] = plane
	}
	return planes
}

// encodePlanes interleaves or stacks planes into the byte layout of f.
func encodePlanes(planes [][]float64, f Format) []byte {
	frames := len(planes[0])
	out := make([]byte, frames*f.FrameSize())
	for ch, plane := range planes {
		for i, v := range plane {
			writeSample(out[sampleOffset(f, frames, i, ch):], f.Sample, v)
		}
	}
	return out
}

func readSample(b []byte, t SampleType) float64 {
	switch t {
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

func writeSample(b []byte, t SampleType, v float64) {
	switch t {
	case Int16:
		s := math.Round(v * 32768)
		s = min(max(s, math.MinInt16), math.MaxInt16)
		binary.LittleEndian.PutUint16(b, uint16(int16(s)))
	case Int32:
		s := math.Round(v * 2147483648)
		s = min(max(s, math.MinInt32), math.MaxInt32)
		binary.LittleEndian.PutUint32(b, uint32(int32(s)))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(min(max(v, -1), 1))))
	}
}

// remapChannels maps planes onto n channels: unchanged when the counts match,
// averaged when n is 1, duplicated when the input is mono.
func remapChannels(planes [][]float64, n int) [][]float64 {
	switch {
	case len(planes) == n:
		return planes
	case n == 1:
		frames := len(planes[0])
		mono := make([]float64, frames)
		for i := range mono {
			var sum float64
			for _, p := range planes {
				sum += p[i]
			}
			mono[i] = sum / float64(len(planes))
		}
		return [][]float64{mono}
	default:
		out := make([][]float64, n)
		for ch := range out {
			out[ch] = planes[0]
		}
		return out
	}
}

// resampleLinear stretches x by ratio (output rate / input rate) using linear
// interpolation between neighbouring samples.
func resampleLinear(x []float64, ratio float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	if ratio == 1 {
		return append([]float64(nil), x...)
	}
	n := int(math.Round(float64(len(x)) * ratio))
	out := make([]float64, n)
	step := 1 / ratio
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(x) {
			idx = len(x) - 1
		}
		frac := pos - float64(idx)
		s0 := x[idx]
		s1 := s0
		if idx+1 < len(x) {
			s1 = x[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
