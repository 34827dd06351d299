package realtime

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ErrMissingType is returned by [Decode] for frames without a type field.
var ErrMissingType = errors.New("realtime: event has no type")

// newEventID returns a client event id.
func newEventID() string { return "evt_" + uuid.NewString() }

// Encode stamps ev with its type discriminator and, if empty, a fresh event
// id, and marshals it. Field names come from the json tags on the event
// structs, which are the only place the wire spelling is declared.
func Encode(ev ClientEvent) ([]byte, error) {
	h := ev.header()
	h.Type = ev.clientType()
	if h.EventID == "" {
		h.EventID = newEventID()
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", h.Type, err)
	}
	return data, nil
}

// envelope is the minimal view used to dispatch on the type discriminator.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses one server frame. Frames whose type is not handled by this
// package return (nil, nil) and should be ignored. Malformed frames return an
// error.
func Decode(data []byte) (ServerEvent, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("realtime: decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	var ev ServerEvent
	switch env.Type {
	case TypeSessionCreated:
		ev = &SessionCreated{}
	case TypeSessionUpdated:
		ev = &SessionUpdated{}
	case TypeResponseCreated:
		ev = &ResponseCreated{}
	case TypeResponseDone:
		ev = &ResponseDone{}
	case TypeResponseAudioDelta:
		ev = &ResponseAudioDelta{}
	case TypeResponseAudioDone:
		ev = &ResponseAudioDone{}
	case TypeResponseAudioTranscriptDone:
		ev = &ResponseAudioTranscriptDone{}
	case TypeInputTranscriptionCompleted:
		ev = &InputTranscriptionCompleted{}
	case TypeError:
		ev = &ErrorEvent{}
	default:
		return nil, nil
	}

	if err := sonic.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("realtime: decode %s: %w", env.Type, err)
	}
	return ev, nil
}
