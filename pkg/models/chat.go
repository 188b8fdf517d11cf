package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Chat is a conversation owned by a user and bound to an agent.
type Chat struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	Title        string    `json:"title,omitempty"`
	IsGenerating bool      `json:"is_generating"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is an ordered, append-only element of a chat. Messages are created
// by the orchestrator and never mutated.
type Message struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chat_id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// MessageMetadata carries structured data attached to a message: RAG sources
// and the tool-call records accumulated during the turn that produced it.
type MessageMetadata struct {
	Sources   []Source         `json:"sources,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// Source references a retrieved document chunk used to ground a response.
type Source struct {
	ResourceID string  `json:"resource_id"`
	UploadID   string  `json:"upload_id,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// ToolCallRecord documents one approved tool invocation inside a turn.
// ValidationID links the record to the human decision that admitted it.
type ToolCallRecord struct {
	ValidationID string          `json:"validation_id"`
	ToolName     string          `json:"tool_name"`
	ServerID     string          `json:"server_id,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
}

// ToolCall is an LLM's request to execute a tool, emitted mid-stream once the
// arguments JSON is complete.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
