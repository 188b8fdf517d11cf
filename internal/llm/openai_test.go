package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

func sseHandler(t *testing.T, chunks []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestOpenAIAdapter(t *testing.T, handler http.Handler) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter, err := NewOpenAIAdapter("test-key",
		WithOpenAIBaseURL(srv.URL),
		WithOpenAILogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return adapter
}

func TestOpenAIStream_TextDeltas(t *testing.T) {
	adapter := newTestOpenAIAdapter(t, sseHandler(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}))

	ch, err := adapter.Stream(context.Background(), &Request{Model: "gpt-4o", Messages: []Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	text, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
}

func TestOpenAIStream_ToolCallAssembledAcrossChunks(t *testing.T) {
	adapter := newTestOpenAIAdapter(t, sseHandler(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"messa"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ge\":\"hi\"}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}))

	ch, err := adapter.Stream(context.Background(), &Request{Model: "gpt-4o", Messages: []Message{{Role: models.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	tc := events[0].ToolCall
	if tc == nil || tc.ID != "call_1" || tc.Name != "echo" {
		t.Fatalf("tool call = %+v", tc)
	}
	if string(tc.Input) != `{"message":"hi"}` {
		t.Errorf("assembled arguments = %s", tc.Input)
	}
	if events[1].Type != EventEnd || events[1].FinishReason != "tool_calls" {
		t.Errorf("end event = %+v", events[1])
	}
}

func TestOpenAIStream_AuthErrorMapped(t *testing.T) {
	adapter := newTestOpenAIAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))

	_, err := adapter.Stream(context.Background(), &Request{Model: "gpt-4o", Messages: []Message{{Role: models.RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.KindAuthentication) {
		t.Errorf("err = %v, want authentication kind", err)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	msgs := []Message{
		{Role: models.RoleUser, Content: "what is in /tmp"},
		{
			Role:    models.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "list_files", Input: json.RawMessage(`{"path":"/tmp"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "a.txt"},
				{ToolCallID: "call_2", Content: "denied", IsError: true},
			},
		},
	}

	out := convertOpenAIMessages(msgs, "You are terse.")
	if len(out) != 5 {
		t.Fatalf("got %d messages: %+v", len(out), out)
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "You are terse." {
		t.Errorf("system message = %+v", out[0])
	}
	if out[1].Role != openai.ChatMessageRoleUser {
		t.Errorf("user message = %+v", out[1])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "list_files" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("first tool result = %+v", out[3])
	}
	if out[4].ToolCallID != "call_2" || out[4].Content != "denied" {
		t.Errorf("second tool result = %+v", out[4])
	}
}

func TestConvertOpenAIMessages_NoSystemPrompt(t *testing.T) {
	out := convertOpenAIMessages([]Message{{Role: models.RoleUser, Content: "hi"}}, "")
	if len(out) != 1 || out[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("messages = %+v", out)
	}
}

func TestConvertOpenAITools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`)
	out := convertOpenAITools([]ToolDef{{Name: "echo", Description: "Echoes input", InputSchema: schema}})
	if len(out) != 1 {
		t.Fatalf("tools = %+v", out)
	}
	if out[0].Type != openai.ToolTypeFunction || out[0].Function.Name != "echo" {
		t.Errorf("tool = %+v", out[0])
	}
	params, err := json.Marshal(out[0].Function.Parameters)
	if err != nil {
		t.Fatal(err)
	}
	if string(params) != string(schema) {
		t.Errorf("parameters = %s", params)
	}
}
