package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

// PoolConfig configures connection pooling for the Postgres backend.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns the default connection pool settings.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStores opens a Postgres-backed StoreSet from a DSN.
func NewPostgresStores(dsn string, config *PoolConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return StoreSet{
		Chats:       &pgChatStore{db: db},
		Agents:      &pgAgentStore{db: db},
		Servers:     &pgServerStore{db: db},
		Resources:   &pgResourceStore{db: db},
		Validations: &pgValidationStore{db: db},
		Automations: &pgAutomationStore{db: db},
		Models:      &pgModelStore{db: db},
		Users:       &pgUserStore{db: db},
		System:      &pgSystemStore{db: db},
		closer:      db.Close,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type pgChatStore struct {
	db *sql.DB
}

func (s *pgChatStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return apperr.Validation("chat id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, agent_id, model, title, is_generating, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		chat.ID, chat.UserID, chat.AgentID, chat.Model, chat.Title, chat.IsGenerating, chat.CreatedAt, chat.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "chat %s already exists", chat.ID)
	}
	return err
}

func (s *pgChatStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, model, title, is_generating, created_at, updated_at
		 FROM chats WHERE id = $1`, id).
		Scan(&chat.ID, &chat.UserID, &chat.AgentID, &chat.Model, &chat.Title, &chat.IsGenerating, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("chat %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *pgChatStore) ListChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, model, title, is_generating, created_at, updated_at
		 FROM chats WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Chat
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.AgentID, &chat.Model, &chat.Title, &chat.IsGenerating, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &chat)
	}
	return out, rows.Err()
}

func (s *pgChatStore) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	return s.execOne(ctx, "chat", chatID,
		`UPDATE chats SET title = $2, updated_at = now() WHERE id = $1`, chatID, title)
}

func (s *pgChatStore) SetGenerating(ctx context.Context, chatID string, generating bool) error {
	return s.execOne(ctx, "chat", chatID,
		`UPDATE chats SET is_generating = $2, updated_at = now() WHERE id = $1`, chatID, generating)
}

func (s *pgChatStore) DeleteChat(ctx context.Context, id string) error {
	return s.execOne(ctx, "chat", id, `DELETE FROM chats WHERE id = $1`, id)
}

func (s *pgChatStore) DeleteEmptyChats(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats c
		 WHERE c.created_at < $1
		   AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = c.id)`, olderThan)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *pgChatStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return apperr.Validation("message id is required")
	}
	var meta []byte
	if msg.Metadata != nil {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		meta = encoded
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.ChatID, string(msg.Role), msg.Content, meta, msg.CreatedAt)
	return err
}

func (s *pgChatStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, metadata, created_at FROM (
		   SELECT id, chat_id, role, content, metadata, created_at
		   FROM messages WHERE chat_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var meta []byte
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if len(meta) > 0 {
			msg.Metadata = &models.MessageMetadata{}
			if err := json.Unmarshal(meta, msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *pgChatStore) execOne(ctx context.Context, entity, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("%s %s", entity, id)
	}
	return nil
}

type pgAgentStore struct {
	db *sql.DB
}

func (s *pgAgentStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	if agent.UserID != "" {
		var owned int
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM agents WHERE user_id = $1`, agent.UserID).Scan(&owned); err != nil {
			return err
		}
		if owned >= MaxAgentsPerUser {
			return apperr.New(apperr.KindQuota, "agent quota of %d reached", MaxAgentsPerUser)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, name, system_prompt, tags, server_ids, resource_ids, is_system, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		agent.ID, agent.UserID, agent.Name, agent.SystemPrompt,
		pq.Array(agent.Tags), pq.Array(agent.ServerIDs), pq.Array(agent.ResourceIDs),
		agent.IsSystem, agent.CreatedAt, agent.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "agent %s already exists", agent.ID)
	}
	return err
}

func (s *pgAgentStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, system_prompt, tags, server_ids, resource_ids, is_system, created_at, updated_at
		 FROM agents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("agent %s", id)
	}
	return agent, err
}

func (s *pgAgentStore) ListAgents(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, system_prompt, tags, server_ids, resource_ids, is_system, created_at, updated_at
		 FROM agents WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *pgAgentStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	existing, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apperr.Permission("system agent %s is immutable", agent.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE agents SET name = $2, system_prompt = $3, tags = $4, server_ids = $5, resource_ids = $6, updated_at = $7
		 WHERE id = $1`,
		agent.ID, agent.Name, agent.SystemPrompt,
		pq.Array(agent.Tags), pq.Array(agent.ServerIDs), pq.Array(agent.ResourceIDs), agent.UpdatedAt)
	return err
}

// ForceReplaceAgent upserts an agent unconditionally, bypassing the system
// protection. Used by the startup seeder only.
func (s *pgAgentStore) ForceReplaceAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, name, system_prompt, tags, server_ids, resource_ids, is_system, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, system_prompt = EXCLUDED.system_prompt, tags = EXCLUDED.tags,
		     server_ids = EXCLUDED.server_ids, resource_ids = EXCLUDED.resource_ids,
		     is_system = EXCLUDED.is_system, updated_at = EXCLUDED.updated_at`,
		agent.ID, agent.UserID, agent.Name, agent.SystemPrompt,
		pq.Array(agent.Tags), pq.Array(agent.ServerIDs), pq.Array(agent.ResourceIDs),
		agent.IsSystem, agent.CreatedAt, agent.UpdatedAt)
	return err
}

func (s *pgAgentStore) DeleteAgent(ctx context.Context, id string) error {
	existing, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apperr.Permission("system agent %s cannot be deleted", id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var tags, serverIDs, resourceIDs pq.StringArray
	if err := row.Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.SystemPrompt,
		&tags, &serverIDs, &resourceIDs, &agent.IsSystem, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.Tags = tags
	agent.ServerIDs = serverIDs
	agent.ResourceIDs = resourceIDs
	return &agent, nil
}

type pgServerStore struct {
	db *sql.DB
}

func (s *pgServerStore) CreateServer(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return apperr.Validation("server id is required")
	}
	if server.UserID != "" {
		var owned int
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM mcp_servers WHERE user_id = $1`, server.UserID).Scan(&owned); err != nil {
			return err
		}
		if owned >= MaxServersPerUser {
			return apperr.New(apperr.KindQuota, "server quota of %d reached", MaxServersPerUser)
		}
	}
	env, err := json.Marshal(server.Env)
	if err != nil {
		return fmt.Errorf("marshal server env: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_servers (id, user_id, name, transport, url, args, env, auth_type, api_key_cipher, status, status_message, is_system, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		server.ID, server.UserID, server.Name, string(server.Transport), server.URL,
		pq.Array(server.Args), env, string(server.AuthType), server.APIKeyCipher,
		string(server.Status), server.StatusMessage, server.IsSystem, server.CreatedAt, server.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "server %s already exists", server.ID)
	}
	return err
}

func (s *pgServerStore) GetServer(ctx context.Context, id string) (*models.MCPServer, error) {
	server, err := scanServer(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, transport, url, args, env, auth_type, api_key_cipher, status, status_message, is_system, created_at, updated_at
		 FROM mcp_servers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("server %s", id)
	}
	return server, err
}

func (s *pgServerStore) ListServers(ctx context.Context, userID string) ([]*models.MCPServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, transport, url, args, env, auth_type, api_key_cipher, status, status_message, is_system, created_at, updated_at
		 FROM mcp_servers WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MCPServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

func (s *pgServerStore) UpdateServer(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return apperr.Validation("server id is required")
	}
	env, err := json.Marshal(server.Env)
	if err != nil {
		return fmt.Errorf("marshal server env: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET name = $2, transport = $3, url = $4, args = $5, env = $6, auth_type = $7,
		        api_key_cipher = $8, status = $9, status_message = $10, updated_at = $11
		 WHERE id = $1`,
		server.ID, server.Name, string(server.Transport), server.URL, pq.Array(server.Args), env,
		string(server.AuthType), server.APIKeyCipher, string(server.Status), server.StatusMessage, server.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("server %s", server.ID)
	}
	return nil
}

func (s *pgServerStore) DeleteServer(ctx context.Context, id string) error {
	existing, err := s.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return apperr.Permission("system server %s cannot be deleted", id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = $1`, id)
	return err
}

func scanServer(row rowScanner) (*models.MCPServer, error) {
	var server models.MCPServer
	var transport, authType, status string
	var args pq.StringArray
	var env []byte
	if err := row.Scan(&server.ID, &server.UserID, &server.Name, &transport, &server.URL,
		&args, &env, &authType, &server.APIKeyCipher, &status, &server.StatusMessage,
		&server.IsSystem, &server.CreatedAt, &server.UpdatedAt); err != nil {
		return nil, err
	}
	server.Transport = models.ServerTransport(transport)
	server.AuthType = models.ServerAuthType(authType)
	server.Status = models.ServerStatus(status)
	server.Args = args
	if len(env) > 0 {
		if err := json.Unmarshal(env, &server.Env); err != nil {
			return nil, fmt.Errorf("unmarshal server env: %w", err)
		}
	}
	return &server, nil
}

func (s *pgServerStore) ReplaceServerTools(ctx context.Context, serverID string, tools []models.Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, enabled, is_default FROM tools WHERE server_id = $1`, serverID)
	if err != nil {
		return err
	}
	type kept struct {
		id        string
		enabled   bool
		isDefault bool
	}
	previous := make(map[string]kept)
	for rows.Next() {
		var k kept
		var name string
		if err := rows.Scan(&k.id, &name, &k.enabled, &k.isDefault); err != nil {
			rows.Close()
			return err
		}
		previous[name] = k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE server_id = $1`, serverID); err != nil {
		return err
	}
	for _, tool := range tools {
		id := tool.ID
		enabled := tool.Enabled
		isDefault := tool.IsDefault
		if old, ok := previous[tool.Name]; ok {
			id = old.id
			enabled = old.enabled
			isDefault = old.isDefault
		}
		if id == "" {
			id = models.NewID(models.PrefixTool)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tools (id, server_id, name, description, input_schema, enabled, is_default, is_removable, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			id, serverID, tool.Name, tool.Description, []byte(tool.InputSchema),
			enabled, isDefault, tool.IsRemovable, tool.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgServerStore) ListServerTools(ctx context.Context, serverID string) ([]*models.Tool, error) {
	return s.queryTools(ctx,
		`SELECT id, server_id, name, description, input_schema, enabled, is_default, is_removable, created_at
		 FROM tools WHERE server_id = $1 ORDER BY name`, serverID)
}

func (s *pgServerStore) DefaultTools(ctx context.Context) ([]*models.Tool, error) {
	return s.queryTools(ctx,
		`SELECT id, server_id, name, description, input_schema, enabled, is_default, is_removable, created_at
		 FROM tools WHERE is_default ORDER BY name`)
}

func (s *pgServerStore) queryTools(ctx context.Context, query string, args ...any) ([]*models.Tool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Tool
	for rows.Next() {
		var tool models.Tool
		var schema []byte
		if err := rows.Scan(&tool.ID, &tool.ServerID, &tool.Name, &tool.Description, &schema,
			&tool.Enabled, &tool.IsDefault, &tool.IsRemovable, &tool.CreatedAt); err != nil {
			return nil, err
		}
		tool.InputSchema = schema
		out = append(out, &tool)
	}
	return out, rows.Err()
}

func (s *pgServerStore) SetToolEnabled(ctx context.Context, toolID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tools SET enabled = $2 WHERE id = $1`, toolID, enabled)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("tool %s", toolID)
	}
	return nil
}

func (s *pgServerStore) GetTokens(ctx context.Context, serverID string) (*models.OAuthTokens, error) {
	var tokens models.OAuthTokens
	err := s.db.QueryRowContext(ctx,
		`SELECT server_id, access_token, refresh_token, expires_at, updated_at
		 FROM oauth_tokens WHERE server_id = $1`, serverID).
		Scan(&tokens.ServerID, &tokens.AccessToken, &tokens.RefreshToken, &tokens.ExpiresAt, &tokens.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tokens for server %s", serverID)
	}
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}

func (s *pgServerStore) SaveTokens(ctx context.Context, tokens *models.OAuthTokens) error {
	if tokens == nil || tokens.ServerID == "" {
		return apperr.Validation("token server id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (server_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (server_id) DO UPDATE
		 SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		tokens.ServerID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, tokens.UpdatedAt)
	return err
}

type pgResourceStore struct {
	db *sql.DB
}

func (s *pgResourceStore) CreateResource(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return apperr.Validation("resource id is required")
	}
	if resource.UserID != "" {
		var owned int
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM resources WHERE user_id = $1`, resource.UserID).Scan(&owned); err != nil {
			return err
		}
		if owned >= MaxResourcesPerUser {
			return apperr.New(apperr.KindQuota, "resource quota of %d reached", MaxResourcesPerUser)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, user_id, name, embedding_model, dimension, status, status_message, chunk_count, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		resource.ID, resource.UserID, resource.Name, resource.EmbeddingModel, resource.Dimension,
		string(resource.Status), resource.StatusMessage, resource.ChunkCount, resource.CreatedAt, resource.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "resource name %q is taken", resource.Name)
	}
	return err
}

func (s *pgResourceStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	resource, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, embedding_model, dimension, status, status_message, chunk_count, created_at, updated_at
		 FROM resources WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("resource %s", id)
	}
	return resource, err
}

func (s *pgResourceStore) ListResources(ctx context.Context, userID string) ([]*models.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, embedding_model, dimension, status, status_message, chunk_count, created_at, updated_at
		 FROM resources WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Resource
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, resource)
	}
	return out, rows.Err()
}

func (s *pgResourceStore) UpdateResource(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return apperr.Validation("resource id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resources SET name = $2, status = $3, status_message = $4, chunk_count = $5, updated_at = $6
		 WHERE id = $1`,
		resource.ID, resource.Name, string(resource.Status), resource.StatusMessage, resource.ChunkCount, resource.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("resource %s", resource.ID)
	}
	return nil
}

func (s *pgResourceStore) DeleteResource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("resource %s", id)
	}
	return nil
}

func (s *pgResourceStore) ReadyResourceIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM resources WHERE id = ANY($1) AND status = $2`,
		pq.Array(ids), string(models.ResourceReady))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ready []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ready = append(ready, id)
	}
	return ready, rows.Err()
}

func (s *pgResourceStore) CreateUpload(ctx context.Context, upload *models.Upload) error {
	if upload == nil || upload.ID == "" {
		return apperr.Validation("upload id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, resource_id, filename, size_bytes, chunk_count, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		upload.ID, upload.ResourceID, upload.Filename, upload.SizeBytes, upload.ChunkCount, upload.CreatedAt)
	return err
}

func (s *pgResourceStore) ListUploads(ctx context.Context, resourceID string) ([]*models.Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource_id, filename, size_bytes, chunk_count, created_at
		 FROM uploads WHERE resource_id = $1 ORDER BY created_at`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Upload
	for rows.Next() {
		var upload models.Upload
		if err := rows.Scan(&upload.ID, &upload.ResourceID, &upload.Filename, &upload.SizeBytes, &upload.ChunkCount, &upload.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &upload)
	}
	return out, rows.Err()
}

func scanResource(row rowScanner) (*models.Resource, error) {
	var resource models.Resource
	var status string
	if err := row.Scan(&resource.ID, &resource.UserID, &resource.Name, &resource.EmbeddingModel,
		&resource.Dimension, &status, &resource.StatusMessage, &resource.ChunkCount,
		&resource.CreatedAt, &resource.UpdatedAt); err != nil {
		return nil, err
	}
	resource.Status = models.ResourceStatus(status)
	return &resource, nil
}

type pgValidationStore struct {
	db *sql.DB
}

func (s *pgValidationStore) CreateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return apperr.Validation("validation id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validations (id, source, title, agent_id, chat_id, status, payload, feedback, decided_by, expires_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		v.ID, v.Source, v.Title, v.AgentID, v.ChatID, string(v.Status), []byte(v.Payload),
		v.Feedback, v.DecidedBy, v.ExpiresAt, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "validation %s already exists", v.ID)
	}
	return err
}

func (s *pgValidationStore) GetValidation(ctx context.Context, id string) (*models.Validation, error) {
	v, err := scanValidation(s.db.QueryRowContext(ctx,
		`SELECT id, source, title, agent_id, chat_id, status, payload, feedback, decided_by, expires_at, created_at, updated_at
		 FROM validations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("validation %s", id)
	}
	return v, err
}

func (s *pgValidationStore) UpdateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return apperr.Validation("validation id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE validations SET status = $2, feedback = $3, decided_by = $4, updated_at = $5 WHERE id = $1`,
		v.ID, string(v.Status), v.Feedback, v.DecidedBy, v.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("validation %s", v.ID)
	}
	return nil
}

func (s *pgValidationStore) ListValidations(ctx context.Context, status models.ValidationStatus) ([]*models.Validation, error) {
	return s.queryValidations(ctx,
		`SELECT id, source, title, agent_id, chat_id, status, payload, feedback, decided_by, expires_at, created_at, updated_at
		 FROM validations WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC`, string(status))
}

func (s *pgValidationStore) ExpiredPendingValidations(ctx context.Context, cutoff time.Time) ([]*models.Validation, error) {
	return s.queryValidations(ctx,
		`SELECT id, source, title, agent_id, chat_id, status, payload, feedback, decided_by, expires_at, created_at, updated_at
		 FROM validations WHERE status = $1 AND expires_at <= $2`, string(models.ValidationPending), cutoff)
}

func (s *pgValidationStore) queryValidations(ctx context.Context, query string, args ...any) ([]*models.Validation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Validation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanValidation(row rowScanner) (*models.Validation, error) {
	var v models.Validation
	var status string
	var payload []byte
	if err := row.Scan(&v.ID, &v.Source, &v.Title, &v.AgentID, &v.ChatID, &status, &payload,
		&v.Feedback, &v.DecidedBy, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = models.ValidationStatus(status)
	v.Payload = payload
	return &v, nil
}

type pgAutomationStore struct {
	db *sql.DB
}

func (s *pgAutomationStore) CreateAutomation(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return apperr.Validation("automation id is required")
	}
	if a.UserID != "" {
		var owned int
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM automations WHERE user_id = $1`, a.UserID).Scan(&owned); err != nil {
			return err
		}
		if owned >= MaxAutomationsPerUser {
			return apperr.New(apperr.KindQuota, "automation quota of %d reached", MaxAutomationsPerUser)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO automations (id, user_id, name, enabled, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.UserID, a.Name, a.Enabled, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "automation %s already exists", a.ID)
	}
	if err != nil {
		return err
	}
	if err := insertStepsAndTriggers(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func insertStepsAndTriggers(ctx context.Context, tx *sql.Tx, a *models.Automation) error {
	for _, step := range a.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO automation_steps (id, automation_id, step_order, type, subtype, config, enabled, continue_on_error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			step.ID, a.ID, step.Order, string(step.Type), step.Subtype, []byte(step.Config),
			step.Enabled, step.ContinueOnError); err != nil {
			return err
		}
	}
	for _, trigger := range a.Triggers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO automation_triggers (id, automation_id, type, cron_expr, secret_hash, healthy, status_note, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			trigger.ID, a.ID, string(trigger.Type), trigger.CronExpr, trigger.SecretHash,
			trigger.Healthy, trigger.StatusNote, trigger.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgAutomationStore) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	var a models.Automation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, enabled, created_at, updated_at FROM automations WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.Name, &a.Enabled, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("automation %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadStepsAndTriggers(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *pgAutomationStore) loadStepsAndTriggers(ctx context.Context, a *models.Automation) error {
	stepRows, err := s.db.QueryContext(ctx,
		`SELECT id, automation_id, step_order, type, subtype, config, enabled, continue_on_error
		 FROM automation_steps WHERE automation_id = $1 ORDER BY step_order`, a.ID)
	if err != nil {
		return err
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var step models.Step
		var stepType string
		var config []byte
		if err := stepRows.Scan(&step.ID, &step.AutomationID, &step.Order, &stepType, &step.Subtype,
			&config, &step.Enabled, &step.ContinueOnError); err != nil {
			return err
		}
		step.Type = models.StepType(stepType)
		step.Config = config
		a.Steps = append(a.Steps, &step)
	}
	if err := stepRows.Err(); err != nil {
		return err
	}

	triggerRows, err := s.db.QueryContext(ctx,
		`SELECT id, automation_id, type, cron_expr, secret_hash, healthy, status_note, created_at
		 FROM automation_triggers WHERE automation_id = $1 ORDER BY created_at`, a.ID)
	if err != nil {
		return err
	}
	defer triggerRows.Close()
	for triggerRows.Next() {
		var trigger models.Trigger
		var triggerType string
		if err := triggerRows.Scan(&trigger.ID, &trigger.AutomationID, &triggerType, &trigger.CronExpr,
			&trigger.SecretHash, &trigger.Healthy, &trigger.StatusNote, &trigger.CreatedAt); err != nil {
			return err
		}
		trigger.Type = models.TriggerType(triggerType)
		a.Triggers = append(a.Triggers, &trigger)
	}
	return triggerRows.Err()
}

func (s *pgAutomationStore) ListAutomations(ctx context.Context, userID string) ([]*models.Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, enabled, created_at, updated_at
		 FROM automations WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Automation
	for rows.Next() {
		var a models.Automation
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Enabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range out {
		if err := s.loadStepsAndTriggers(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *pgAutomationStore) UpdateAutomation(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return apperr.Validation("automation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE automations SET name = $2, enabled = $3, updated_at = $4 WHERE id = $1`,
		a.ID, a.Name, a.Enabled, a.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("automation %s", a.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_steps WHERE automation_id = $1`, a.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_triggers WHERE automation_id = $1`, a.ID); err != nil {
		return err
	}
	if err := insertStepsAndTriggers(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgAutomationStore) DeleteAutomation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("automation %s", id)
	}
	return nil
}

func (s *pgAutomationStore) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	if trigger == nil || trigger.ID == "" {
		return apperr.Validation("trigger id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_triggers SET cron_expr = $2, secret_hash = $3, healthy = $4, status_note = $5 WHERE id = $1`,
		trigger.ID, trigger.CronExpr, trigger.SecretHash, trigger.Healthy, trigger.StatusNote)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("trigger %s", trigger.ID)
	}
	return nil
}

func (s *pgAutomationStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return apperr.Validation("execution id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, automation_id, trigger_id, status, failed_step, error, started_at, ended_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		exec.ID, exec.AutomationID, exec.TriggerID, string(exec.Status), exec.FailedStep,
		exec.Error, exec.StartedAt, nullTime(exec.EndedAt))
	return err
}

func (s *pgAutomationStore) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return apperr.Validation("execution id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = $2, failed_step = $3, error = $4, ended_at = $5 WHERE id = $1`,
		exec.ID, string(exec.Status), exec.FailedStep, exec.Error, nullTime(exec.EndedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("execution %s", exec.ID)
	}
	return nil
}

func (s *pgAutomationStore) AppendStepLog(ctx context.Context, log *models.StepLog) error {
	if log == nil || log.ExecutionID == "" {
		return apperr.Validation("step log execution id is required")
	}
	id := log.ID
	if id == "" {
		id = models.NewID(models.PrefixExecution)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (id, execution_id, step_order, input, output, error, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, log.ExecutionID, log.StepOrder, []byte(log.Input), []byte(log.Output),
		log.Error, log.Duration.Milliseconds(), log.CreatedAt)
	return err
}

func (s *pgAutomationStore) RecentExecutions(ctx context.Context, automationID string, limit int) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, automation_id, trigger_id, status, failed_step, error, started_at, ended_at
		 FROM executions WHERE automation_id = $1 ORDER BY started_at DESC LIMIT $2`, automationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var status string
		var endedAt sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.AutomationID, &exec.TriggerID, &status,
			&exec.FailedStep, &exec.Error, &exec.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		exec.Status = models.ExecutionStatus(status)
		if endedAt.Valid {
			exec.EndedAt = endedAt.Time
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func (s *pgAutomationStore) ListStepLogs(ctx context.Context, executionID string) ([]*models.StepLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_order, input, output, error, duration_ms, created_at
		 FROM step_logs WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StepLog
	for rows.Next() {
		var log models.StepLog
		var input, output []byte
		var durationMS int64
		if err := rows.Scan(&log.ID, &log.ExecutionID, &log.StepOrder, &input, &output,
			&log.Error, &durationMS, &log.CreatedAt); err != nil {
			return nil, err
		}
		log.Input = input
		log.Output = output
		log.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &log)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

type pgModelStore struct {
	db *sql.DB
}

func (s *pgModelStore) ReplaceModels(ctx context.Context, entries []models.CatalogModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_models`); err != nil {
		return err
	}
	for _, entry := range entries {
		id := entry.ID
		if id == "" {
			id = models.NewID(models.PrefixModel)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_models (id, provider, model_id, display_name, context_size, synced_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			id, entry.Provider, entry.ModelID, entry.DisplayName, entry.ContextSize, entry.SyncedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgModelStore) ListCatalogModels(ctx context.Context) ([]*models.CatalogModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, model_id, display_name, context_size, synced_at
		 FROM catalog_models ORDER BY provider, model_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CatalogModel
	for rows.Next() {
		var entry models.CatalogModel
		if err := rows.Scan(&entry.ID, &entry.Provider, &entry.ModelID, &entry.DisplayName, &entry.ContextSize, &entry.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

type pgUserStore struct {
	db *sql.DB
}

func (s *pgUserStore) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return apperr.Validation("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, is_system, created_at) VALUES ($1,$2,$3,$4,$5)`,
		user.ID, user.Email, user.Name, user.IsSystem, user.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "user %s already exists", user.ID)
	}
	return err
}

func (s *pgUserStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, is_system, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.IsSystem, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *pgUserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, is_system, created_at FROM users WHERE lower(email) = lower($1)`, email).
		Scan(&user.ID, &user.Email, &user.Name, &user.IsSystem, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user with email %s", email)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type pgSystemStore struct {
	db *sql.DB
}

func (s *pgSystemStore) SyncDigest(ctx context.Context, key string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM sync_state WHERE key = $1`, key).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return digest, err
}

func (s *pgSystemStore) SetSyncDigest(ctx context.Context, key, digest string) error {
	if key == "" {
		return apperr.Validation("sync key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, digest, updated_at) VALUES ($1,$2,now())
		 ON CONFLICT (key) DO UPDATE SET digest = EXCLUDED.digest, updated_at = now()`,
		key, digest)
	return err
}
