// Package llm defines the provider abstraction for streaming chat
// completions with tool use, and the gateway that routes models to providers
// behind retry and circuit breaking.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventToolCall carries a complete tool-use request.
	EventToolCall EventType = "tool_call"
	// EventEnd closes the stream with a finish reason.
	EventEnd EventType = "end"
	// EventError closes the stream with a failure.
	EventError EventType = "error"
)

// Event is one element of a completion stream. After an EventEnd or
// EventError no further events arrive and the channel closes.
type Event struct {
	Type         EventType
	Text         string
	ToolCall     *models.ToolCall
	FinishReason string
	Err          error
}

// Message is a provider-independent chat message. Assistant messages may
// carry the tool calls they requested; tool messages carry results.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a streaming completion request. Tools may be empty for plain
// text generation.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int
	Temperature  float32
}

// ModelInfo describes one model a provider serves.
type ModelInfo struct {
	ID          string
	DisplayName string
	Provider    string
	ContextSize int
}

// Provider is one LLM provider family. Stream returns immediately; transport
// and API failures surface as EventError on the channel, while request
// construction failures are returned directly.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}

// Collect drains a stream into the full assistant text, for callers that do
// not need incremental delivery.
func Collect(ctx context.Context, events <-chan Event) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sb.String(), nil
			}
			switch ev.Type {
			case EventTextDelta:
				sb.WriteString(ev.Text)
			case EventError:
				return sb.String(), ev.Err
			case EventEnd:
				return sb.String(), nil
			}
		}
	}
}

// kindForStatus maps a provider HTTP status to the error taxonomy.
func kindForStatus(status int) apperr.Kind {
	switch {
	case status == 400:
		return apperr.KindValidation
	case status == 401 || status == 403:
		return apperr.KindAuthentication
	case status == 404:
		return apperr.KindNotFound
	case status == 429:
		return apperr.KindRateLimit
	default:
		return apperr.KindInternal
	}
}
