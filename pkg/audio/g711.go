package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// Encoding names an audio format accepted on the realtime wire.
type Encoding string

const (
	// EncodingPCM16 is raw 24 kHz mono int16 PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingG711ULaw is 8 kHz mono G.711 µ-law.
	EncodingG711ULaw Encoding = "g711_ulaw"

	// EncodingG711ALaw is 8 kHz mono G.711 A-law.
	EncodingG711ALaw Encoding = "g711_alaw"
)

// IsValid reports whether e is a known wire encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingG711ULaw, EncodingG711ALaw:
		return true
	}
	return false
}

// Format returns the linear PCM format a buffer must be converted to before
// it is encoded with e.
func (e Encoding) Format() Format {
	if e == EncodingG711ULaw || e == EncodingG711ALaw {
		return Telephony
	}
	return PCM16
}

// Encode turns a buffer in e.Format() into wire bytes.
func (e Encoding) Encode(buf Buffer) ([]byte, error) {
	if buf.Format != e.Format() {
		return nil, fmt.Errorf("%w: %s cannot carry %s", ErrUnsupported, e, buf.Format)
	}
	pcm := buf.Data[:buf.Frames*buf.Format.FrameSize()]
	switch e {
	case EncodingG711ULaw:
		return g711.EncodeUlaw(pcm), nil
	case EncodingG711ALaw:
		return g711.EncodeAlaw(pcm), nil
	default:
		return pcm, nil
	}
}

// Decode turns wire bytes into a linear buffer in e.Format().
func (e Encoding) Decode(data []byte) Buffer {
	switch e {
	case EncodingG711ULaw:
		return NewBuffer(Telephony, g711.DecodeUlaw(data))
	case EncodingG711ALaw:
		return NewBuffer(Telephony, g711.DecodeAlaw(data))
	default:
		return NewBuffer(PCM16, data)
	}
}
