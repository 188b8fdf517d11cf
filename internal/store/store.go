// Package store defines the persistence contracts for the seven data
// namespaces and provides in-memory and Postgres implementations. The
// in-memory stores back tests and the default dev mode.
package store

import (
	"context"
	"time"

	"github.com/haasonsaas/atrium/pkg/models"
)

// Per-user creation quotas.
const (
	MaxAgentsPerUser      = 100
	MaxServersPerUser     = 100
	MaxResourcesPerUser   = 50
	MaxAutomationsPerUser = 50
)

// ChatStore persists chats and their append-only messages.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]*models.Chat, error)
	UpdateChatTitle(ctx context.Context, chatID, title string) error
	SetGenerating(ctx context.Context, chatID string, generating bool) error
	DeleteChat(ctx context.Context, id string) error
	// DeleteEmptyChats removes chats without messages created before the
	// cutoff and returns how many were removed.
	DeleteEmptyChats(ctx context.Context, olderThan time.Time) (int, error)

	CreateMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
}

// AgentStore persists agents. System agents reject mutation and deletion.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// ServerStore persists MCP servers, their discovered tools, and their oauth
// token sets.
type ServerStore interface {
	CreateServer(ctx context.Context, server *models.MCPServer) error
	GetServer(ctx context.Context, id string) (*models.MCPServer, error)
	ListServers(ctx context.Context, userID string) ([]*models.MCPServer, error)
	UpdateServer(ctx context.Context, server *models.MCPServer) error
	DeleteServer(ctx context.Context, id string) error

	// ReplaceServerTools swaps the server's tool list atomically, keeping
	// the enabled and default flags of tools that survive by name.
	ReplaceServerTools(ctx context.Context, serverID string, tools []models.Tool) error
	ListServerTools(ctx context.Context, serverID string) ([]*models.Tool, error)
	DefaultTools(ctx context.Context) ([]*models.Tool, error)
	SetToolEnabled(ctx context.Context, toolID string, enabled bool) error

	GetTokens(ctx context.Context, serverID string) (*models.OAuthTokens, error)
	SaveTokens(ctx context.Context, tokens *models.OAuthTokens) error
}

// ResourceStore persists RAG resources and their uploads. Resource names are
// unique per user.
type ResourceStore interface {
	CreateResource(ctx context.Context, resource *models.Resource) error
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	ListResources(ctx context.Context, userID string) ([]*models.Resource, error)
	UpdateResource(ctx context.Context, resource *models.Resource) error
	DeleteResource(ctx context.Context, id string) error
	// ReadyResourceIDs narrows ids to the resources whose ingestion finished.
	ReadyResourceIDs(ctx context.Context, ids []string) ([]string, error)

	CreateUpload(ctx context.Context, upload *models.Upload) error
	ListUploads(ctx context.Context, resourceID string) ([]*models.Upload, error)
}

// ValidationStore persists human gates.
type ValidationStore interface {
	CreateValidation(ctx context.Context, v *models.Validation) error
	GetValidation(ctx context.Context, id string) (*models.Validation, error)
	UpdateValidation(ctx context.Context, v *models.Validation) error
	// ListValidations returns validations in the given status, newest first.
	// An empty status returns everything.
	ListValidations(ctx context.Context, status models.ValidationStatus) ([]*models.Validation, error)
	ExpiredPendingValidations(ctx context.Context, cutoff time.Time) ([]*models.Validation, error)
}

// AutomationStore persists automations with their steps and triggers, plus
// the execution history.
type AutomationStore interface {
	CreateAutomation(ctx context.Context, a *models.Automation) error
	GetAutomation(ctx context.Context, id string) (*models.Automation, error)
	ListAutomations(ctx context.Context, userID string) ([]*models.Automation, error)
	UpdateAutomation(ctx context.Context, a *models.Automation) error
	DeleteAutomation(ctx context.Context, id string) error
	UpdateTrigger(ctx context.Context, trigger *models.Trigger) error

	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	AppendStepLog(ctx context.Context, log *models.StepLog) error
	RecentExecutions(ctx context.Context, automationID string, limit int) ([]*models.Execution, error)
	ListStepLogs(ctx context.Context, executionID string) ([]*models.StepLog, error)
}

// ModelStore persists the synced model catalog.
type ModelStore interface {
	ReplaceModels(ctx context.Context, entries []models.CatalogModel) error
	ListCatalogModels(ctx context.Context) ([]*models.CatalogModel, error)
}

// UserStore persists principals.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// SystemStore holds sync digests for idempotent startup bootstrap.
type SystemStore interface {
	// SyncDigest returns the stored digest for the key, or "" when absent.
	SyncDigest(ctx context.Context, key string) (string, error)
	SetSyncDigest(ctx context.Context, key, digest string) error
}

// StoreSet bundles one store per namespace.
type StoreSet struct {
	Chats       ChatStore
	Agents      AgentStore
	Servers     ServerStore
	Resources   ResourceStore
	Validations ValidationStore
	Automations AutomationStore
	Models      ModelStore
	Users       UserStore
	System      SystemStore

	closer func() error
}

// Close releases the backing connection, if any.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
