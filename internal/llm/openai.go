package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

// OpenAIAdapter streams chat completions from the OpenAI API or any
// API-compatible endpoint.
type OpenAIAdapter struct {
	client *openai.Client
	logger *slog.Logger
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// WithOpenAIBaseURL points the adapter at a compatible endpoint.
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = u }
}

// WithOpenAIHTTPClient routes requests through a shared client.
func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openaiConfig) { c.httpClient = hc }
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(l *slog.Logger) OpenAIOption {
	return func(c *openaiConfig) { c.logger = l }
}

// NewOpenAIAdapter builds an adapter for the given API key.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openaiConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.baseURL != "" {
		clientCfg.BaseURL = cfg.baseURL
	}
	if cfg.httpClient != nil {
		clientCfg.HTTPClient = cfg.httpClient
	}
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(clientCfg),
		logger: cfg.logger.With("component", "llm", "provider", "openai"),
	}, nil
}

func (a *OpenAIAdapter) Name() string { return "openai" }

// ListModels returns the served GPT models.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai", ContextSize: 128000},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai", ContextSize: 128000},
		{ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: "openai", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "openai", ContextSize: 16385},
	}, nil
}

// Stream opens a streaming completion and converts the delta stream.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertOpenAIMessages(req.Messages, req.SystemPrompt),
		Stream:      true,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()
		a.pump(ctx, stream, events)
	}()
	return events, nil
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		// Tool results each become their own tool-role message.
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertOpenAITools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params any
		if len(tool.InputSchema) > 0 {
			params = json.RawMessage(tool.InputSchema)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// pump converts the delta stream. Tool calls arrive fragmented across
// chunks, keyed by index, and are emitted once the finish reason lands.
func (a *OpenAIAdapter) pump(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event) {
	toolCalls := make(map[int]*models.ToolCall)

	flushTools := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				events <- Event{Type: EventToolCall, ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			events <- Event{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				events <- Event{Type: EventEnd}
				return
			}
			events <- Event{Type: EventError, Err: wrapOpenAIError(err)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			flushTools()
			events <- Event{Type: EventEnd, FinishReason: string(choice.FinishReason)}
			return
		}
	}
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.Wrap(kindForStatus(apiErr.HTTPStatusCode), err, "openai request failed")
	}
	return apperr.Wrap(apperr.KindInternal, err, "openai request failed")
}
