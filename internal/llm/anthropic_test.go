package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/atrium/pkg/models"
)

// anthropicEvent builds a stream event from wire JSON so the union's
// accessors behave exactly as they do on a live stream.
func anthropicEvent(t *testing.T, raw string) anthropic.MessageStreamEventUnion {
	t.Helper()
	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal event %s: %v", raw, err)
	}
	return ev
}

type fakeAnthropicStream struct {
	events []anthropic.MessageStreamEventUnion
	idx    int
	err    error
}

func (s *fakeAnthropicStream) Next() bool {
	if s.idx < len(s.events) {
		s.idx++
		return true
	}
	return false
}

func (s *fakeAnthropicStream) Current() anthropic.MessageStreamEventUnion {
	return s.events[s.idx-1]
}

func (s *fakeAnthropicStream) Err() error { return s.err }

func TestAnthropicPump_TextAndToolCall(t *testing.T) {
	stream := &fakeAnthropicStream{events: []anthropic.MessageStreamEventUnion{
		anthropicEvent(t, `{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[]}}`),
		anthropicEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`),
		anthropicEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`),
		anthropicEvent(t, `{"type":"content_block_stop","index":0}`),
		anthropicEvent(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"echo","input":{}}}`),
		anthropicEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"messa"}}`),
		anthropicEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"ge\":\"hi\"}"}}`),
		anthropicEvent(t, `{"type":"content_block_stop","index":1}`),
		anthropicEvent(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`),
		anthropicEvent(t, `{"type":"message_stop"}`),
	}}

	adapter := &AnthropicAdapter{logger: testLogger()}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		adapter.pump(context.Background(), stream, out)
	}()

	events := collectEvents(t, out)
	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Text != "Hello" || events[1].Text != " there" {
		t.Errorf("text deltas = %q, %q", events[0].Text, events[1].Text)
	}
	tc := events[2].ToolCall
	if tc == nil || tc.ID != "toolu_1" || tc.Name != "echo" {
		t.Fatalf("tool call = %+v", tc)
	}
	if string(tc.Input) != `{"message":"hi"}` {
		t.Errorf("assembled input = %s", tc.Input)
	}
	if events[3].Type != EventEnd || events[3].FinishReason != "tool_use" {
		t.Errorf("end event = %+v", events[3])
	}
}

func TestAnthropicPump_EmptyToolInputDefaultsToObject(t *testing.T) {
	stream := &fakeAnthropicStream{events: []anthropic.MessageStreamEventUnion{
		anthropicEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"list_files","input":{}}}`),
		anthropicEvent(t, `{"type":"content_block_stop","index":0}`),
		anthropicEvent(t, `{"type":"message_stop"}`),
	}}

	adapter := &AnthropicAdapter{logger: testLogger()}
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		adapter.pump(context.Background(), stream, out)
	}()

	events := collectEvents(t, out)
	if string(events[0].ToolCall.Input) != "{}" {
		t.Errorf("input = %s, want {}", events[0].ToolCall.Input)
	}
}

func TestAnthropicPump_StreamError(t *testing.T) {
	stream := &fakeAnthropicStream{err: errors.New("connection reset")}

	adapter := &AnthropicAdapter{logger: testLogger()}
	out := make(chan Event, 4)
	go func() {
		defer close(out)
		adapter.pump(context.Background(), stream, out)
	}()

	events := collectEvents(t, out)
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleUser, Content: "what is in /tmp"},
		{
			Role:    models.RoleAssistant,
			Content: "Let me check.",
			ToolCalls: []models.ToolCall{
				{ID: "toolu_1", Name: "list_files", Input: json.RawMessage(`{"path":"/tmp"}`)},
			},
		},
		{
			Role: models.RoleUser,
			ToolResults: []models.ToolResult{
				{ToolCallID: "toolu_1", Content: "a.txt"},
			},
		},
	}

	out, err := convertAnthropicMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser || out[0].Content[0].OfText == nil {
		t.Errorf("first message = %+v", out[0])
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("assistant role = %v", out[1].Role)
	}
	if out[1].Content[1].OfToolUse == nil {
		t.Errorf("assistant message missing tool use block: %+v", out[1].Content)
	}
	if out[2].Role != anthropic.MessageParamRoleUser || out[2].Content[0].OfToolResult == nil {
		t.Errorf("tool result message = %+v", out[2])
	}
}

func TestConvertAnthropicMessages_InvalidToolInput(t *testing.T) {
	msgs := []Message{{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`not json`)}},
	}}
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []ToolDef{{
		Name:        "echo",
		Description: "Echoes the message back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
	}}

	out, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("tools = %+v", out)
	}
	if out[0].OfTool.Name != "echo" {
		t.Errorf("name = %s", out[0].OfTool.Name)
	}
	if out[0].OfTool.Description.Value != "Echoes the message back" {
		t.Errorf("description = %+v", out[0].OfTool.Description)
	}

	bad := []ToolDef{{Name: "broken", InputSchema: json.RawMessage(`[`)}}
	if _, err := convertAnthropicTools(bad); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}
