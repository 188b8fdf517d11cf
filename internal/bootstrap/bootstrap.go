// Package bootstrap seeds the built-in system entities at startup. Each
// definition set is hashed; when the stored digest matches, the sync is a
// no-op, so restarts do not touch the database.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/store"
	"github.com/haasonsaas/atrium/pkg/models"
)

// Digest keys in the system store.
const (
	keySystemUser    = "system_user"
	keySystemAgents  = "system_agents"
	keySystemServers = "system_servers"
)

// SystemUserID is the fixed owner of built-in entities.
const SystemUserID = "upr_system"

// AgentDef declares a built-in agent. The ID must be stable across releases
// so chats keep resolving.
type AgentDef struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Tags         []string `json:"tags,omitempty"`
	ServerIDs    []string `json:"server_ids,omitempty"`
}

// ServerDef declares a built-in MCP server.
type ServerDef struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Transport models.ServerTransport `json:"transport"`
	URL       string                 `json:"url,omitempty"`
	Args      []string               `json:"args,omitempty"`
}

// Bootstrapper applies the built-in definitions.
type Bootstrapper struct {
	stores  store.StoreSet
	agents  []AgentDef
	servers []ServerDef
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bootstrapper) {
		if now != nil {
			b.now = now
		}
	}
}

// WithAgents overrides the built-in agent definitions.
func WithAgents(defs []AgentDef) Option {
	return func(b *Bootstrapper) { b.agents = defs }
}

// WithServers overrides the built-in server definitions.
func WithServers(defs []ServerDef) Option {
	return func(b *Bootstrapper) { b.servers = defs }
}

// New builds a bootstrapper with the default built-in definitions.
func New(stores store.StoreSet, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		stores:  stores,
		agents:  defaultAgents(),
		servers: defaultServers(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bootstrap")
	return b
}

func defaultAgents() []AgentDef {
	return []AgentDef{
		{
			ID:   "agt_system_general",
			Name: "General Assistant",
			SystemPrompt: "You are a capable, direct assistant. Answer from your own " +
				"knowledge when you can, and use the available tools when a question " +
				"needs live data or an external action.",
			Tags: []string{"general"},
		},
		{
			ID:   "agt_system_research",
			Name: "Research Assistant",
			SystemPrompt: "You are a research assistant. Ground every claim in the " +
				"attached documents or an explicit tool result, and cite which source " +
				"each claim came from.",
			Tags: []string{"research", "rag"},
		},
	}
}

func defaultServers() []ServerDef {
	// None ship by default; deployments add their own via config.
	return nil
}

// Run applies every definition set whose digest changed. Safe to call on
// every startup.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if err := b.syncUser(ctx); err != nil {
		return fmt.Errorf("bootstrap system user: %w", err)
	}
	if err := b.syncServers(ctx); err != nil {
		return fmt.Errorf("bootstrap system servers: %w", err)
	}
	if err := b.syncAgents(ctx); err != nil {
		return fmt.Errorf("bootstrap system agents: %w", err)
	}
	return nil
}

func (b *Bootstrapper) syncUser(ctx context.Context) error {
	user := &models.User{
		ID:        SystemUserID,
		Email:     "system@atrium.internal",
		Name:      "System",
		IsSystem:  true,
		CreatedAt: b.now(),
	}
	changed, err := b.digestChanged(ctx, keySystemUser, user)
	if err != nil || !changed {
		return err
	}
	if err := b.stores.Users.CreateUser(ctx, user); err != nil && !apperr.Is(err, apperr.KindConflict) {
		return err
	}
	return b.commitDigest(ctx, keySystemUser, user)
}

func (b *Bootstrapper) syncAgents(ctx context.Context) error {
	changed, err := b.digestChanged(ctx, keySystemAgents, b.agents)
	if err != nil || !changed {
		return err
	}
	now := b.now()
	for _, def := range b.agents {
		agent := &models.Agent{
			ID:           def.ID,
			Name:         def.Name,
			SystemPrompt: def.SystemPrompt,
			Tags:         def.Tags,
			ServerIDs:    def.ServerIDs,
			IsSystem:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err := b.stores.Agents.CreateAgent(ctx, agent)
		if apperr.Is(err, apperr.KindConflict) {
			// Definition text changed for an existing agent. The store
			// protects system agents from user mutation, so rewrite directly.
			err = b.overwriteAgent(ctx, agent)
		}
		if err != nil {
			return fmt.Errorf("agent %s: %w", def.ID, err)
		}
	}
	b.logger.Info("system agents synced", "count", len(b.agents))
	return b.commitDigest(ctx, keySystemAgents, b.agents)
}

// overwriteAgent replaces a built-in agent definition by delete-and-create.
// Memory and SQL stores both refuse UpdateAgent on system rows, which is the
// right behavior for the API surface but not for the seeder.
func (b *Bootstrapper) overwriteAgent(ctx context.Context, agent *models.Agent) error {
	type forceWriter interface {
		ForceReplaceAgent(ctx context.Context, agent *models.Agent) error
	}
	if fw, ok := b.stores.Agents.(forceWriter); ok {
		return fw.ForceReplaceAgent(ctx, agent)
	}
	return apperr.New(apperr.KindInternal, "agent store cannot rewrite system agent %s", agent.ID)
}

func (b *Bootstrapper) syncServers(ctx context.Context) error {
	if len(b.servers) == 0 {
		return nil
	}
	changed, err := b.digestChanged(ctx, keySystemServers, b.servers)
	if err != nil || !changed {
		return err
	}
	now := b.now()
	for _, def := range b.servers {
		server := &models.MCPServer{
			ID:        def.ID,
			Name:      def.Name,
			Transport: def.Transport,
			URL:       def.URL,
			Args:      def.Args,
			AuthType:  models.AuthNone,
			Status:    models.ServerPending,
			IsSystem:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := b.stores.Servers.CreateServer(ctx, server)
		if apperr.Is(err, apperr.KindConflict) {
			err = b.stores.Servers.UpdateServer(ctx, server)
		}
		if err != nil {
			return fmt.Errorf("server %s: %w", def.ID, err)
		}
	}
	b.logger.Info("system servers synced", "count", len(b.servers))
	return b.commitDigest(ctx, keySystemServers, b.servers)
}

func (b *Bootstrapper) digestChanged(ctx context.Context, key string, defs any) (bool, error) {
	want, err := digest(defs)
	if err != nil {
		return false, err
	}
	have, err := b.stores.System.SyncDigest(ctx, key)
	if err != nil {
		return false, err
	}
	return have != want, nil
}

func (b *Bootstrapper) commitDigest(ctx context.Context, key string, defs any) error {
	d, err := digest(defs)
	if err != nil {
		return err
	}
	return b.stores.System.SetSyncDigest(ctx, key, d)
}

// digest hashes the JSON encoding of the definitions. Struct field order is
// fixed, so the encoding is deterministic.
func digest(defs any) (string, error) {
	encoded, err := json.Marshal(defs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
