package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter streams completions from the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
	logger *slog.Logger
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// WithAnthropicBaseURL overrides the API base URL.
func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(c *anthropicConfig) { c.baseURL = u }
}

// WithAnthropicHTTPClient routes requests through a shared client.
func WithAnthropicHTTPClient(hc *http.Client) AnthropicOption {
	return func(c *anthropicConfig) { c.httpClient = hc }
}

// WithAnthropicLogger sets the logger.
func WithAnthropicLogger(l *slog.Logger) AnthropicOption {
	return func(c *anthropicConfig) { c.logger = l }
}

// NewAnthropicAdapter builds an adapter for the given API key.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	cfg := anthropicConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	return &AnthropicAdapter{
		client: anthropic.NewClient(reqOpts...),
		logger: cfg.logger.With("component", "llm", "provider", "anthropic"),
	}, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// ListModels returns the served Claude models.
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", Provider: "anthropic", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", DisplayName: "Claude Opus 4", Provider: "anthropic", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Provider: "anthropic", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: "anthropic", ContextSize: 200000},
	}, nil
}

// Stream opens a streaming completion and converts the event stream.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		stream := a.client.Messages.NewStreaming(ctx, params)
		a.pump(ctx, stream, events)
	}()
	return events, nil
}

func (a *AnthropicAdapter) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride in user messages on this API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: building tool %s failed", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// pump converts the SDK event stream. Tool input arrives as JSON fragments
// across deltas and is assembled before the tool call is emitted.
func (a *AnthropicAdapter) pump(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, events chan<- Event) {
	var currentTool *models.ToolCall
	var toolInput strings.Builder
	finishReason := ""

	for stream.Next() {
		select {
		case <-ctx.Done():
			events <- Event{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- Event{Type: EventTextDelta, Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				events <- Event{Type: EventToolCall, ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			if sr := event.AsMessageDelta().Delta.StopReason; sr != "" {
				finishReason = string(sr)
			}

		case "message_stop":
			events <- Event{Type: EventEnd, FinishReason: finishReason}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- Event{Type: EventError, Err: wrapAnthropicError(err)}
		return
	}
	events <- Event{Type: EventEnd, FinishReason: finishReason}
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apperr.Wrap(kindForStatus(apiErr.StatusCode), err, "anthropic request failed")
	}
	return apperr.Wrap(apperr.KindInternal, err, "anthropic request failed")
}
