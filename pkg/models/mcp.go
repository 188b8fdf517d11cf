package models

import (
	"encoding/json"
	"time"
)

// ServerTransport selects how an MCP server is reached.
type ServerTransport string

const (
	TransportHTTP   ServerTransport = "http"
	TransportNpx    ServerTransport = "npx"
	TransportUvx    ServerTransport = "uvx"
	TransportDocker ServerTransport = "docker"
)

// IsSubprocess reports whether the transport spawns a child process.
func (t ServerTransport) IsSubprocess() bool {
	switch t {
	case TransportNpx, TransportUvx, TransportDocker:
		return true
	default:
		return false
	}
}

// ServerAuthType selects how requests to an HTTP MCP server authenticate.
type ServerAuthType string

const (
	AuthNone   ServerAuthType = "none"
	AuthAPIKey ServerAuthType = "api-key"
	AuthOAuth  ServerAuthType = "oauth"
)

// ServerStatus is the lifecycle status of an MCP server.
type ServerStatus string

const (
	ServerPending ServerStatus = "pending"
	ServerActive  ServerStatus = "active"
	ServerFailed  ServerStatus = "failed"
)

// MCPServer is a remote or subprocess tool provider. UserID is empty for
// system servers.
type MCPServer struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id,omitempty"`
	Name          string            `json:"name"`
	Transport     ServerTransport   `json:"transport"`
	URL           string            `json:"url,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	AuthType      ServerAuthType    `json:"auth_type"`
	APIKeyCipher  []byte            `json:"-"`
	Status        ServerStatus      `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	IsSystem      bool              `json:"is_system"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Tool is a named callable on a server. Names are unique per server.
type Tool struct {
	ID          string          `json:"id"`
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Enabled     bool            `json:"enabled"`
	IsDefault   bool            `json:"is_default"`
	IsRemovable bool            `json:"is_removable"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OAuthTokens holds the persisted token set for an oauth-authenticated server.
type OAuthTokens struct {
	ServerID     string    `json:"server_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token has passed its expiry, with a
// 30-second safety margin.
func (t *OAuthTokens) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-30 * time.Second))
}
