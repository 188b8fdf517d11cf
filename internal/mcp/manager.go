package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/atrium/internal/httppool"
	"github.com/haasonsaas/atrium/internal/secrets"
	"github.com/haasonsaas/atrium/pkg/models"
)

// ToolStore persists the tool list discovered by a verify. The replacement
// must be atomic: either the whole new list lands or the old one stays.
type ToolStore interface {
	ReplaceServerTools(ctx context.Context, serverID string, tools []models.Tool) error
}

// Manager hands out clients per server and owns their lifecycle. Subprocess
// clients are cached so the child survives across calls; HTTP clients are
// cached so the initialize handshake happens once.
type Manager struct {
	pool   *httppool.Pool
	box    *secrets.Box
	tokens TokenSource
	store  ToolStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]Client
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerNow overrides the clock.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager. pool backs all HTTP clients; box decrypts
// stored API keys; tokens serves oauth servers; store receives verified tool
// lists.
func NewManager(pool *httppool.Pool, box *secrets.Box, tokens TokenSource, store ToolStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		pool:    pool,
		box:     box,
		tokens:  tokens,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		clients: make(map[string]Client),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mcp_manager")
	return m
}

// Client returns the cached client for the server, building one on first use.
func (m *Manager) Client(server *models.MCPServer) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[server.ID]; ok {
		return c, nil
	}
	c, err := m.build(server)
	if err != nil {
		return nil, err
	}
	m.clients[server.ID] = c
	return c, nil
}

func (m *Manager) build(server *models.MCPServer) (Client, error) {
	cfg := Config{
		Server: server,
		Tokens: m.tokens,
		Logger: m.logger,
	}
	if m.pool != nil {
		cfg.HTTPClient = m.pool.Client()
	}
	if server.AuthType == models.AuthAPIKey {
		if m.box == nil {
			return nil, fmt.Errorf("mcp: no key store configured for api-key server %s", server.ID)
		}
		key, err := m.box.Decrypt(server.APIKeyCipher)
		if err != nil {
			return nil, fmt.Errorf("decrypt api key for %s: %w", server.ID, err)
		}
		cfg.APIKey = key
	}
	return New(cfg)
}

// Invalidate drops the cached client for a server, closing it. Call after a
// server's transport or credentials change.
func (m *Manager) Invalidate(serverID string) {
	m.mu.Lock()
	c, ok := m.clients[serverID]
	delete(m.clients, serverID)
	m.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing mcp client", "server_id", serverID, "error", err)
		}
	}
}

// CallTool invokes a tool on the given server.
func (m *Manager) CallTool(ctx context.Context, server *models.MCPServer, name string, args map[string]any) *CallToolResult {
	c, err := m.Client(server)
	if err != nil {
		return callErr(err)
	}
	return c.CallTool(ctx, name, args)
}

// ListTools lists the tools the server currently advertises.
func (m *Manager) ListTools(ctx context.Context, server *models.MCPServer) *ListToolsResult {
	c, err := m.Client(server)
	if err != nil {
		return listErr(err)
	}
	return c.ListTools(ctx)
}

// Verify probes the server. On an active result the advertised tool list
// replaces the persisted one for the server.
func (m *Manager) Verify(ctx context.Context, server *models.MCPServer) *VerifyResult {
	c, err := m.Client(server)
	if err != nil {
		return &VerifyResult{Status: VerifyUnreachable, StatusMessage: err.Error()}
	}
	res := c.Verify(ctx)
	if res.Status != VerifyActive || m.store == nil {
		return res
	}

	tools := make([]models.Tool, 0, len(res.Tools))
	for _, d := range res.Tools {
		tools = append(tools, models.Tool{
			ID:          models.NewID(models.PrefixTool),
			ServerID:    server.ID,
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Enabled:     true,
			IsRemovable: true,
			CreatedAt:   m.now(),
		})
	}
	if err := m.store.ReplaceServerTools(ctx, server.ID, tools); err != nil {
		m.logger.Error("persisting verified tools", "server_id", server.ID, "error", err)
		return &VerifyResult{Status: VerifyFailed, StatusMessage: fmt.Sprintf("persist tools: %v", err), Tools: res.Tools}
	}
	m.logger.Info("server verified", "server_id", server.ID, "tools", len(tools))
	return res
}

// Close shuts down every cached client.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]Client)
	m.mu.Unlock()
	for id, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing mcp client", "server_id", id, "error", err)
		}
	}
}
