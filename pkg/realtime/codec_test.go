package realtime_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode"

	"github.com/MrWong99/duplex/pkg/realtime"
)

// snakeCase converts a Go field name to the wire spelling, treating runs of
// capitals as one word (CallID → call_id).
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func TestWireNames_AreSnakeCaseOfFieldNames(t *testing.T) {
	t.Parallel()

	types := []any{
		realtime.Header{},
		realtime.SessionUpdate{}, realtime.ResponseCreate{}, realtime.ResponseCancel{},
		realtime.ConversationItemCreate{}, realtime.InputAudioBufferAppend{},
		realtime.SessionConfig{}, realtime.TurnDetection{}, realtime.InputAudioTranscription{},
		realtime.Tool{}, realtime.ContentPart{}, realtime.Item{}, realtime.Response{},
		realtime.ResponseConfig{},
		realtime.SessionCreated{}, realtime.SessionUpdated{}, realtime.ResponseCreated{},
		realtime.ResponseDone{}, realtime.ResponseAudioDelta{}, realtime.ResponseAudioDone{},
		realtime.ResponseAudioTranscriptDone{}, realtime.InputTranscriptionCompleted{},
		realtime.ErrorEvent{}, realtime.ErrorDetail{},
	}
	for _, v := range types {
		rt := reflect.TypeOf(v)
		for i := range rt.NumField() {
			f := rt.Field(i)
			if f.Anonymous {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if want := snakeCase(f.Name); name != want {
				t.Errorf("%s.%s: json name %q, want %q", rt.Name(), f.Name, name, want)
			}
		}
	}
}

func TestSnakeCase(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"ID":                      "id",
		"EventID":                 "event_id",
		"CallID":                  "call_id",
		"PrefixPaddingMs":         "prefix_padding_ms",
		"MaxResponseOutputTokens": "max_response_output_tokens",
	}
	for in, want := range tests {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncode_StampsTypeAndEventID(t *testing.T) {
	t.Parallel()

	data, err := realtime.Encode(&realtime.InputAudioBufferAppend{Audio: "AAAA"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "input_audio_buffer.append" {
		t.Errorf("type = %v, want input_audio_buffer.append", got["type"])
	}
	if id, _ := got["event_id"].(string); !strings.HasPrefix(id, "evt_") {
		t.Errorf("event_id = %v, want evt_ prefix", got["event_id"])
	}
	if got["audio"] != "AAAA" {
		t.Errorf("audio = %v, want AAAA", got["audio"])
	}
}

func TestEncode_SessionUpdateSnakeCase(t *testing.T) {
	t.Parallel()

	td := realtime.DefaultTurnDetection()
	ev := &realtime.SessionUpdate{Session: realtime.SessionConfig{
		Instructions:      "be brief",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     &td,
		Tools:             []realtime.Tool{realtime.NewFunctionTool("get_weather", "Local weather today", nil)},
		ToolChoice:        "auto",
	}}
	data, err := realtime.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got struct {
		Type    string `json:"type"`
		Session struct {
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Type       string         `json:"type"`
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"tools"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "session.update" {
		t.Errorf("type = %q", got.Type)
	}
	s := got.Session
	if s.Instructions != "be brief" || s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "g711_ulaw" {
		t.Errorf("session = %+v", s)
	}
	if s.TurnDetection.Type != "server_vad" || s.TurnDetection.Threshold != 0.5 ||
		s.TurnDetection.PrefixPaddingMs != 300 || s.TurnDetection.SilenceDurationMs != 200 {
		t.Errorf("turn_detection = %+v", s.TurnDetection)
	}
	if len(s.Tools) != 1 || s.Tools[0].Type != "function" || s.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", s.Tools)
	}
	if s.Tools[0].Parameters["type"] != "object" {
		t.Errorf("tool parameters = %v, want object schema", s.Tools[0].Parameters)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("client session.update carries a session id: %s", data)
	}
}

func TestEncode_ResponseCreateCarriesEmptyResponse(t *testing.T) {
	t.Parallel()

	data, err := realtime.Encode(&realtime.ResponseCreate{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"response":{}`) {
		t.Errorf("encoded = %s, want an empty response object", data)
	}
}

func TestEncode_FunctionCallOutput(t *testing.T) {
	t.Parallel()

	ev := &realtime.ConversationItemCreate{Item: realtime.FunctionCallOutputItem("call_1", "50F")}
	data, err := realtime.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "conversation.item.create" || got.Item.Type != "function_call_output" ||
		got.Item.CallID != "call_1" || got.Item.Output != "50F" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecode_ServerEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev realtime.ServerEvent)
	}{
		{
			name:  "session.created",
			frame: `{"type":"session.created","event_id":"e1","session":{"id":"sess_1","object":"realtime.session","model":"gpt-4o-realtime-preview","voice":"alloy","turn_detection":{"type":"server_vad","threshold":0.5,"prefix_padding_ms":300,"silence_duration_ms":200},"max_response_output_tokens":"inf"}}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				sc, ok := ev.(*realtime.SessionCreated)
				if !ok {
					t.Fatalf("got %T", ev)
				}
				if sc.Session.ID != "sess_1" || sc.Session.Voice != "alloy" || sc.Session.TurnDetection.SilenceDurationMs != 200 {
					t.Errorf("session = %+v", sc.Session)
				}
				if sc.Session.MaxResponseOutputTokens != 0 {
					t.Errorf("max tokens = %d, want 0 for inf", sc.Session.MaxResponseOutputTokens)
				}
			},
		},
		{
			name:  "response.done with message and function call",
			frame: `{"type":"response.done","response":{"id":"r1","object":"realtime.response","status":"completed","output":[{"id":"i1","object":"realtime.item","type":"message","status":"completed","role":"assistant","content":[{"type":"audio","transcript":"Hi"}]},{"id":"i2","type":"function_call","status":"completed","name":"get_weather","call_id":"c1","arguments":"{}"}]}}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				rd, ok := ev.(*realtime.ResponseDone)
				if !ok {
					t.Fatalf("got %T", ev)
				}
				out := rd.Response.Output
				if len(out) != 2 || out[0].Content[0].Transcript != "Hi" || out[1].CallID != "c1" {
					t.Errorf("output = %+v", out)
				}
			},
		},
		{
			name:  "response.audio.delta",
			frame: `{"type":"response.audio.delta","response_id":"r1","item_id":"i1","output_index":0,"content_index":0,"delta":"AAA="}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				d, ok := ev.(*realtime.ResponseAudioDelta)
				if !ok || d.Delta != "AAA=" || d.ResponseID != "r1" {
					t.Errorf("got %#v", ev)
				}
			},
		},
		{
			name:  "error",
			frame: `{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`,
			check: func(t *testing.T, ev realtime.ServerEvent) {
				e, ok := ev.(*realtime.ErrorEvent)
				if !ok || e.Error.Code != "bad" || e.Error.Message != "nope" {
					t.Errorf("got %#v", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := realtime.Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecode_UnknownTypeIgnored(t *testing.T) {
	t.Parallel()

	ev, err := realtime.Decode([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if err != nil || ev != nil {
		t.Errorf("Decode = %v, %v; want nil, nil", ev, err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := realtime.Decode([]byte(`{"type":`)); err == nil {
		t.Error("truncated frame decoded without error")
	}
	if _, err := realtime.Decode([]byte(`{"session":{}}`)); !errors.Is(err, realtime.ErrMissingType) {
		t.Errorf("err = %v, want ErrMissingType", err)
	}
	if _, err := realtime.Decode([]byte(`{"type":"response.audio.delta","delta":42}`)); err == nil {
		t.Error("wrongly typed field decoded without error")
	}
}

func TestTokenLimit_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(realtime.ResponseConfig{MaxOutputTokens: 256})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"max_output_tokens":256}` {
		t.Errorf("got %s", data)
	}

	var l realtime.TokenLimit
	if err := json.Unmarshal([]byte(`"inf"`), &l); err != nil || l != 0 {
		t.Errorf("inf -> %d, %v", l, err)
	}
	if err := json.Unmarshal([]byte(`4096`), &l); err != nil || l != 4096 {
		t.Errorf("4096 -> %d, %v", l, err)
	}
}
