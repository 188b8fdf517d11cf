// Package config loads and validates the server configuration from YAML,
// with environment-variable expansion so secrets stay out of the file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	MCP           MCPConfig           `yaml:"mcp"`
	RAG           RAGConfig           `yaml:"rag"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend. An empty DSN runs the
// in-memory stores, which lose everything on restart.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig configures the completion providers.
type LLMConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	MaxTokens int            `yaml:"max_tokens"`
}

// ProviderConfig is one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Enabled reports whether the provider is configured.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// MCPConfig bounds MCP server interactions.
type MCPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	// AllowSubprocess permits npx/uvx/docker transports. Off by default
	// since subprocess servers execute arbitrary code on the host.
	AllowSubprocess bool `yaml:"allow_subprocess"`
}

// RAGConfig configures retrieval.
type RAGConfig struct {
	EmbeddingModel string  `yaml:"embedding_model"`
	TopK           int     `yaml:"top_k"`
	MinSimilarity  float64 `yaml:"min_similarity"`
}

// SchedulerConfig toggles the periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing exposure.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
	ServiceName    string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConnections:  25,
			MaxIdle:         5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		MCP: MCPConfig{
			ConnectTimeout: 10 * time.Second,
			CallTimeout:    60 * time.Second,
		},
		RAG: RAGConfig{
			EmbeddingModel: "text-embedding-3-small",
			TopK:           5,
			MinSimilarity:  0.25,
		},
		Scheduler: SchedulerConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
			ServiceName:    "atrium",
		},
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	if !c.LLM.Anthropic.Enabled() && !c.LLM.OpenAI.Enabled() {
		return fmt.Errorf("at least one llm provider needs an api key")
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be positive")
	}
	if c.RAG.MinSimilarity < 0 || c.RAG.MinSimilarity >= 1 {
		return fmt.Errorf("rag.min_similarity %f out of range [0,1)", c.RAG.MinSimilarity)
	}
	return nil
}
