package realtime_test

import (
	"testing"

	"github.com/MrWong99/duplex/pkg/realtime"
)

func TestRenderResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp realtime.Response
		want string
	}{
		{
			name: "empty",
			resp: realtime.Response{},
			want: "",
		},
		{
			name: "message with transcripts",
			resp: realtime.Response{Output: []realtime.Item{{
				Type: realtime.ItemMessage,
				Role: realtime.RoleAssistant,
				Content: []realtime.ContentPart{
					{Type: "audio", Transcript: "Hello."},
					{Type: "audio", Transcript: "How can I help?"},
				},
			}}},
			want: "assistant: Hello.\nHow can I help?\n\n",
		},
		{
			name: "text part without transcript",
			resp: realtime.Response{Output: []realtime.Item{{
				Type:    realtime.ItemMessage,
				Role:    realtime.RoleAssistant,
				Content: []realtime.ContentPart{{Type: "text", Text: "typed"}},
			}}},
			want: "assistant: typed\n\n",
		},
		{
			name: "function call",
			resp: realtime.Response{Output: []realtime.Item{{
				Type:      realtime.ItemFunctionCall,
				Name:      "get_weather",
				CallID:    "call_1",
				Arguments: `{"city":"Oslo"}`,
			}}},
			want: `function_call: get_weather({"city":"Oslo"})`,
		},
		{
			name: "message then call",
			resp: realtime.Response{Output: []realtime.Item{
				{Type: realtime.ItemMessage, Role: realtime.RoleAssistant, Content: []realtime.ContentPart{{Transcript: "Checking."}}},
				{Type: realtime.ItemFunctionCall, Name: "get_weather", Arguments: "{}"},
			}},
			want: "assistant: Checking.\n\nfunction_call: get_weather({})",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := realtime.RenderResponse(tt.resp); got != tt.want {
				t.Errorf("RenderResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTurnState_String(t *testing.T) {
	t.Parallel()

	tests := map[realtime.TurnState]string{
		realtime.Idle:             "idle",
		realtime.MicOpen:          "mic_open",
		realtime.AwaitingResponse: "awaiting_response",
		realtime.ResponsePlaying:  "response_playing",
		realtime.TurnState(42):    "TurnState(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(st), got, want)
		}
	}
}
