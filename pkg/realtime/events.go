package realtime

import (
	"strconv"

	"github.com/bytedance/sonic"
)

// Event type discriminators.
const (
	TypeSessionUpdate          = "session.update"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeConversationItemCreate = "conversation.item.create"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"

	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeResponseCreated             = "response.created"
	TypeResponseDone                = "response.done"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseAudioDone           = "response.audio.done"
	TypeResponseAudioTranscriptDone = "response.audio_transcript.done"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeError                       = "error"
)

// Item types and roles.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Response statuses reported by response.done.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Header is embedded in every event. The type discriminator is filled in by
// [Encode] for client events and read by [Decode] for server events.
type Header struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

func (h *Header) header() *Header { return h }

// EventType returns the event's type discriminator.
func (h *Header) EventType() string { return h.Type }

// ── Shared objects ────────────────────────────────────────────────────────────

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection returns server VAD with the stock thresholds.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 200}
}

// InputAudioTranscription enables transcription of the user's audio.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// Tool declares a function the model may call. Parameters is a JSON schema
// object.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// NewFunctionTool returns a function tool. A nil schema declares an object with
// no properties.
func NewFunctionTool(name, description string, parameters map[string]any) Tool {
	if parameters == nil {
		parameters = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		}
	}
	return Tool{Type: "function", Name: name, Description: description, Parameters: parameters}
}

// TokenLimit is a maximum output token count. Zero means unlimited, which the
// server spells "inf".
type TokenLimit int

// MarshalJSON implements [json.Marshaler].
func (l TokenLimit) MarshalJSON() ([]byte, error) {
	if l <= 0 {
		return []byte(`"inf"`), nil
	}
	return []byte(strconv.Itoa(int(l))), nil
}

// UnmarshalJSON implements [json.Unmarshaler]. It accepts a number or "inf".
func (l *TokenLimit) UnmarshalJSON(data []byte) error {
	if string(data) == `"inf"` || string(data) == "null" {
		*l = 0
		return nil
	}
	var n int
	if err := sonic.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = TokenLimit(n)
	return nil
}

// SessionConfig is the session object exchanged in session.* events. The
// server fills ID and Object; the client leaves them empty.
type SessionConfig struct {
	ID                      string                   `json:"id,omitempty"`
	Object                  string                   `json:"object,omitempty"`
	Model                   string                   `json:"model,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Tools                   []Tool                   `json:"tools,omitempty"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	MaxResponseOutputTokens TokenLimit               `json:"max_response_output_tokens,omitempty"`
}

// ContentPart is one part of a message item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is a conversation item. Type selects which fields are meaningful:
// message items carry Role and Content, function_call items carry Name, CallID
// and Arguments, function_call_output items carry CallID and Output.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Object    string        `json:"object,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// MessageItem returns a user (or system) text message item.
func MessageItem(role, text string) Item {
	partType := "input_text"
	if role == RoleAssistant {
		partType = "text"
	}
	return Item{Type: ItemMessage, Role: role, Content: []ContentPart{{Type: partType, Text: text}}}
}

// FunctionCallOutputItem returns the item carrying a tool result back to the
// model.
func FunctionCallOutputItem(callID, output string) Item {
	return Item{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
}

// Response is the response object carried by response.created and
// response.done.
type Response struct {
	ID     string `json:"id"`
	Object string `json:"object,omitempty"`
	Status string `json:"status"`
	Output []Item `json:"output"`
}

// ResponseConfig overrides session settings for a single response. The zero
// value inherits everything from the session.
type ResponseConfig struct {
	Modalities        []string   `json:"modalities,omitempty"`
	Instructions      string     `json:"instructions,omitempty"`
	Voice             string     `json:"voice,omitempty"`
	OutputAudioFormat string     `json:"output_audio_format,omitempty"`
	Temperature       float64    `json:"temperature,omitempty"`
	MaxOutputTokens   TokenLimit `json:"max_output_tokens,omitempty"`
}

// ── Client events ─────────────────────────────────────────────────────────────

// ClientEvent is an event the client sends. All implementations are pointer
// types from this package.
type ClientEvent interface {
	header() *Header
	clientType() string
}

// SessionUpdate reconfigures the session.
type SessionUpdate struct {
	Header
	Session SessionConfig `json:"session"`
}

// ResponseCreate asks the model to respond.
type ResponseCreate struct {
	Header
	Response ResponseConfig `json:"response"`
}

// ResponseCancel aborts the response in progress.
type ResponseCancel struct {
	Header
}

// ConversationItemCreate adds an item to the conversation.
type ConversationItemCreate struct {
	Header
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

// InputAudioBufferAppend streams a chunk of base64 encoded input audio.
type InputAudioBufferAppend struct {
	Header
	Audio string `json:"audio"`
}

func (*SessionUpdate) clientType() string          { return TypeSessionUpdate }
func (*ResponseCreate) clientType() string         { return TypeResponseCreate }
func (*ResponseCancel) clientType() string         { return TypeResponseCancel }
func (*ConversationItemCreate) clientType() string { return TypeConversationItemCreate }
func (*InputAudioBufferAppend) clientType() string { return TypeInputAudioBufferAppend }

// ── Server events ─────────────────────────────────────────────────────────────

// ServerEvent is an event decoded by [Decode].
type ServerEvent interface {
	EventType() string
}

// SessionCreated is the first event of every connection.
type SessionCreated struct {
	Header
	Session SessionConfig `json:"session"`
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	Header
	Session SessionConfig `json:"session"`
}

// ResponseCreated marks the start of a model response.
type ResponseCreated struct {
	Header
	Response Response `json:"response"`
}

// ResponseDone marks the end of a model response and carries its output items.
type ResponseDone struct {
	Header
	Response Response `json:"response"`
}

// ResponseAudioDelta carries one base64 fragment of synthesised audio.
type ResponseAudioDelta struct {
	Header
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ResponseAudioDone marks the end of an audio content part.
type ResponseAudioDone struct {
	Header
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

// ResponseAudioTranscriptDone carries the final transcript of an audio part.
type ResponseAudioTranscriptDone struct {
	Header
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// InputTranscriptionCompleted carries the transcript of the user's speech.
type InputTranscriptionCompleted struct {
	Header
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

// ErrorDetail describes a server error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// ErrorEvent reports a recoverable server-side error.
type ErrorEvent struct {
	Header
	Error ErrorDetail `json:"error"`
}
