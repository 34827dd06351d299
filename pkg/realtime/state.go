package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// TurnState is the session's view of whose turn it is.
type TurnState int32

const (
	// Idle: connected, microphone closed, nothing playing.
	Idle TurnState = iota

	// MicOpen: the microphone is streaming to the model.
	MicOpen

	// AwaitingResponse: the model is producing a response, or tool results
	// are being looped back before a follow-up response.
	AwaitingResponse

	// ResponsePlaying: the response is complete but its audio is still
	// queued for playback.
	ResponsePlaying
)

// String returns the state name.
func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case MicOpen:
		return "mic_open"
	case AwaitingResponse:
		return "awaiting_response"
	case ResponsePlaying:
		return "response_playing"
	default:
		return fmt.Sprintf("TurnState(%d)", int32(s))
	}
}

// accumulator collects the base64 audio deltas of the current response until
// response.audio.done. Deltas are kept as separate segments because each one
// carries its own padding.
type accumulator struct {
	segments []string
	size     int
}

func (a *accumulator) append(delta string) {
	if delta == "" {
		return
	}
	a.segments = append(a.segments, delta)
	a.size += len(delta)
}

func (a *accumulator) empty() bool { return len(a.segments) == 0 }

func (a *accumulator) reset() {
	a.segments = nil
	a.size = 0
}

// decode returns the concatenated audio bytes of every segment.
func (a *accumulator) decode() ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.DecodedLen(a.size))
	for i, seg := range a.segments {
		b, err := base64.StdEncoding.DecodeString(seg)
		if err != nil {
			return nil, fmt.Errorf("realtime: decode audio delta %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Recorder receives pipeline measurements. Implementations must be safe for
// concurrent use; CaptureChunk and ConversionError("capture") are called from
// the capture goroutine.
type Recorder interface {
	CaptureChunk(ctx context.Context, bytes int)
	ConversionError(ctx context.Context, direction string, err error)
	DecodeError(ctx context.Context)
	ServerError(ctx context.Context, code string)
	ResponseDone(ctx context.Context, status string, d time.Duration)
	StateChange(ctx context.Context, from, to TurnState)
}

type nopRecorder struct{}

func (nopRecorder) CaptureChunk(context.Context, int)                    {}
func (nopRecorder) ConversionError(context.Context, string, error)       {}
func (nopRecorder) DecodeError(context.Context)                          {}
func (nopRecorder) ServerError(context.Context, string)                  {}
func (nopRecorder) ResponseDone(context.Context, string, time.Duration)  {}
func (nopRecorder) StateChange(context.Context, TurnState, TurnState)    {}

// ── Transcript rendering ──────────────────────────────────────────────────────

// RenderResponse renders the output items of a finished response the way the
// conversation log shows them: each message as "role: " followed by its
// transcripts one per line and a blank line, each function call as
// "function_call: name(arguments)".
func RenderResponse(r Response) string {
	var b strings.Builder
	for _, item := range r.Output {
		switch item.Type {
		case ItemMessage:
			b.WriteString(item.Role)
			b.WriteString(": ")
			for _, part := range item.Content {
				text := part.Transcript
				if text == "" {
					text = part.Text
				}
				if text == "" {
					continue
				}
				b.WriteString(text)
				b.WriteString("\n")
			}
			b.WriteString("\n")
		case ItemFunctionCall:
			fmt.Fprintf(&b, "function_call: %s(%s)", item.Name, item.Arguments)
		}
	}
	return b.String()
}
