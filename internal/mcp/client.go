package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/atrium/pkg/models"
)

// DefaultTimeout bounds a single request/response exchange.
const DefaultTimeout = 30 * time.Second

// VerifyStatus is the outcome of probing a server.
type VerifyStatus string

const (
	VerifyActive      VerifyStatus = "active"
	VerifyFailed      VerifyStatus = "failed"
	VerifyUnreachable VerifyStatus = "unreachable"
)

// ListToolsResult is the envelope returned by ListTools.
type ListToolsResult struct {
	Success bool             `json:"success"`
	Tools   []ToolDescriptor `json:"tools,omitempty"`
	Count   int              `json:"count"`
	Error   string           `json:"error,omitempty"`
}

// CallToolResult is the envelope returned by CallTool. Result holds the text
// content of the response; Content holds the raw blocks.
type CallToolResult struct {
	Success bool           `json:"success"`
	Result  string         `json:"result,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// VerifyResult reports reachability and the advertised tool set.
type VerifyResult struct {
	Status        VerifyStatus     `json:"status"`
	StatusMessage string           `json:"status_message,omitempty"`
	Tools         []ToolDescriptor `json:"tools,omitempty"`
}

// Client is a connection to a single MCP server. Operations never return Go
// errors for remote failures; those are folded into the envelope.
type Client interface {
	ListTools(ctx context.Context) *ListToolsResult
	CallTool(ctx context.Context, name string, args map[string]any) *CallToolResult
	Verify(ctx context.Context) *VerifyResult
	Close() error
}

// TokenSource supplies OAuth access tokens for a server and can force a
// refresh when the server rejects the current one.
type TokenSource interface {
	AccessToken(ctx context.Context, serverID string) (string, error)
	Refresh(ctx context.Context, serverID string) (string, error)
}

// Config carries everything a client needs. APIKey is the decrypted key for
// api-key servers; Tokens is required for oauth servers.
type Config struct {
	Server     *models.MCPServer
	APIKey     string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
}

// New builds the client implementation matching the server's transport.
func New(cfg Config) (Client, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("mcp: server is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "mcp", "server_id", cfg.Server.ID)
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Server.Transport.IsSubprocess() {
		return newStdioClient(cfg)
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("mcp: url is required for http transport")
	}
	if cfg.Server.AuthType == models.AuthOAuth && cfg.Tokens == nil {
		return nil, fmt.Errorf("mcp: token source is required for oauth server")
	}
	return newHTTPClient(cfg), nil
}

// textOf flattens the text blocks of a tool result into a single string.
func textOf(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func listErr(err error) *ListToolsResult {
	return &ListToolsResult{Success: false, Error: err.Error()}
}

func callErr(err error) *CallToolResult {
	return &CallToolResult{Success: false, Error: err.Error()}
}
