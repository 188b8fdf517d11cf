package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/pkg/models"
)

// NewMemoryStores builds an in-memory StoreSet.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Chats:       NewMemoryChatStore(),
		Agents:      NewMemoryAgentStore(),
		Servers:     NewMemoryServerStore(),
		Resources:   NewMemoryResourceStore(),
		Validations: NewMemoryValidationStore(),
		Automations: NewMemoryAutomationStore(),
		Models:      NewMemoryModelStore(),
		Users:       NewMemoryUserStore(),
		System:      NewMemorySystemStore(),
	}
}

// MemoryChatStore is an in-memory ChatStore.
type MemoryChatStore struct {
	mu       sync.RWMutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
}

// NewMemoryChatStore builds an empty chat store.
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryChatStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return apperr.Validation("chat id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[chat.ID]; exists {
		return apperr.New(apperr.KindConflict, "chat %s already exists", chat.ID)
	}
	copied := *chat
	s.chats[chat.ID] = &copied
	return nil
}

func (s *MemoryChatStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, apperr.NotFound("chat %s", id)
	}
	copied := *chat
	return &copied, nil
}

func (s *MemoryChatStore) ListChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Chat, 0)
	for _, chat := range s.chats {
		if userID != "" && chat.UserID != userID {
			continue
		}
		copied := *chat
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryChatStore) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat %s", chatID)
	}
	chat.Title = title
	chat.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryChatStore) SetGenerating(ctx context.Context, chatID string, generating bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return apperr.NotFound("chat %s", chatID)
	}
	chat.IsGenerating = generating
	chat.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryChatStore) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return apperr.NotFound("chat %s", id)
	}
	delete(s.chats, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryChatStore) DeleteEmptyChats(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, chat := range s.chats {
		if len(s.messages[id]) > 0 || !chat.CreatedAt.Before(olderThan) {
			continue
		}
		delete(s.chats, id)
		delete(s.messages, id)
		removed++
	}
	return removed, nil
}

func (s *MemoryChatStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return apperr.Validation("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[msg.ChatID]; !ok {
		return apperr.NotFound("chat %s", msg.ChatID)
	}
	copied := *msg
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &copied)
	return nil
}

func (s *MemoryChatStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		copied := *m
		out[i] = &copied
	}
	return out, nil
}

// MemoryAgentStore is an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryAgentStore builds an empty agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryAgentStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return apperr.New(apperr.KindConflict, "agent %s already exists", agent.ID)
	}
	if agent.UserID != "" {
		owned := 0
		for _, a := range s.agents {
			if a.UserID == agent.UserID {
				owned++
			}
		}
		if owned >= MaxAgentsPerUser {
			return apperr.New(apperr.KindQuota, "agent quota of %d reached", MaxAgentsPerUser)
		}
	}
	copied := *agent
	s.agents[agent.ID] = &copied
	return nil
}

func (s *MemoryAgentStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, apperr.NotFound("agent %s", id)
	}
	copied := *agent
	return &copied, nil
}

func (s *MemoryAgentStore) ListAgents(ctx context.Context, userID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0)
	for _, agent := range s.agents {
		if userID != "" && agent.UserID != userID {
			continue
		}
		copied := *agent
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.agents[agent.ID]
	if !ok {
		return apperr.NotFound("agent %s", agent.ID)
	}
	if existing.IsSystem {
		return apperr.Permission("system agent %s is immutable", agent.ID)
	}
	copied := *agent
	s.agents[agent.ID] = &copied
	return nil
}

// ForceReplaceAgent writes an agent unconditionally, bypassing the system
// protection. Used by the startup seeder only.
func (s *MemoryAgentStore) ForceReplaceAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return apperr.Validation("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *agent
	s.agents[agent.ID] = &copied
	return nil
}

func (s *MemoryAgentStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.agents[id]
	if !ok {
		return apperr.NotFound("agent %s", id)
	}
	if existing.IsSystem {
		return apperr.Permission("system agent %s cannot be deleted", id)
	}
	delete(s.agents, id)
	return nil
}

// MemoryServerStore is an in-memory ServerStore.
type MemoryServerStore struct {
	mu      sync.RWMutex
	servers map[string]*models.MCPServer
	tools   map[string][]*models.Tool
	tokens  map[string]*models.OAuthTokens
}

// NewMemoryServerStore builds an empty server store.
func NewMemoryServerStore() *MemoryServerStore {
	return &MemoryServerStore{
		servers: make(map[string]*models.MCPServer),
		tools:   make(map[string][]*models.Tool),
		tokens:  make(map[string]*models.OAuthTokens),
	}
}

func (s *MemoryServerStore) CreateServer(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return apperr.Validation("server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; exists {
		return apperr.New(apperr.KindConflict, "server %s already exists", server.ID)
	}
	if server.UserID != "" {
		owned := 0
		for _, srv := range s.servers {
			if srv.UserID == server.UserID {
				owned++
			}
		}
		if owned >= MaxServersPerUser {
			return apperr.New(apperr.KindQuota, "server quota of %d reached", MaxServersPerUser)
		}
	}
	copied := *server
	s.servers[server.ID] = &copied
	return nil
}

func (s *MemoryServerStore) GetServer(ctx context.Context, id string) (*models.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.servers[id]
	if !ok {
		return nil, apperr.NotFound("server %s", id)
	}
	copied := *server
	return &copied, nil
}

func (s *MemoryServerStore) ListServers(ctx context.Context, userID string) ([]*models.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MCPServer, 0)
	for _, server := range s.servers {
		if userID != "" && server.UserID != userID {
			continue
		}
		copied := *server
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryServerStore) UpdateServer(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return apperr.Validation("server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[server.ID]; !ok {
		return apperr.NotFound("server %s", server.ID)
	}
	copied := *server
	s.servers[server.ID] = &copied
	return nil
}

func (s *MemoryServerStore) DeleteServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.servers[id]
	if !ok {
		return apperr.NotFound("server %s", id)
	}
	if existing.IsSystem {
		return apperr.Permission("system server %s cannot be deleted", id)
	}
	delete(s.servers, id)
	delete(s.tools, id)
	delete(s.tokens, id)
	return nil
}

func (s *MemoryServerStore) ReplaceServerTools(ctx context.Context, serverID string, tools []models.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[serverID]; !ok {
		return apperr.NotFound("server %s", serverID)
	}

	previous := make(map[string]*models.Tool, len(s.tools[serverID]))
	for _, t := range s.tools[serverID] {
		previous[t.Name] = t
	}

	replacement := make([]*models.Tool, 0, len(tools))
	for _, t := range tools {
		copied := t
		copied.ServerID = serverID
		if copied.ID == "" {
			copied.ID = models.NewID(models.PrefixTool)
		}
		if old, ok := previous[t.Name]; ok {
			copied.ID = old.ID
			copied.Enabled = old.Enabled
			copied.IsDefault = old.IsDefault
		}
		replacement = append(replacement, &copied)
	}
	s.tools[serverID] = replacement
	return nil
}

func (s *MemoryServerStore) ListServerTools(ctx context.Context, serverID string) ([]*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := s.tools[serverID]
	out := make([]*models.Tool, len(tools))
	for i, t := range tools {
		copied := *t
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryServerStore) DefaultTools(ctx context.Context) ([]*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tool, 0)
	for _, tools := range s.tools {
		for _, t := range tools {
			if t.IsDefault {
				copied := *t
				out = append(out, &copied)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryServerStore) SetToolEnabled(ctx context.Context, toolID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tools := range s.tools {
		for _, t := range tools {
			if t.ID == toolID {
				t.Enabled = enabled
				return nil
			}
		}
	}
	return apperr.NotFound("tool %s", toolID)
}

func (s *MemoryServerStore) GetTokens(ctx context.Context, serverID string) (*models.OAuthTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens, ok := s.tokens[serverID]
	if !ok {
		return nil, apperr.NotFound("tokens for server %s", serverID)
	}
	copied := *tokens
	return &copied, nil
}

func (s *MemoryServerStore) SaveTokens(ctx context.Context, tokens *models.OAuthTokens) error {
	if tokens == nil || tokens.ServerID == "" {
		return apperr.Validation("token server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tokens
	s.tokens[tokens.ServerID] = &copied
	return nil
}

// MemoryResourceStore is an in-memory ResourceStore.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	resources map[string]*models.Resource
	uploads   map[string][]*models.Upload
}

// NewMemoryResourceStore builds an empty resource store.
func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{
		resources: make(map[string]*models.Resource),
		uploads:   make(map[string][]*models.Upload),
	}
}

func (s *MemoryResourceStore) CreateResource(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return apperr.Validation("resource id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[resource.ID]; exists {
		return apperr.New(apperr.KindConflict, "resource %s already exists", resource.ID)
	}
	owned := 0
	for _, r := range s.resources {
		if r.UserID != resource.UserID {
			continue
		}
		owned++
		if strings.EqualFold(r.Name, resource.Name) {
			return apperr.New(apperr.KindConflict, "resource name %q is taken", resource.Name)
		}
	}
	if resource.UserID != "" && owned >= MaxResourcesPerUser {
		return apperr.New(apperr.KindQuota, "resource quota of %d reached", MaxResourcesPerUser)
	}
	copied := *resource
	s.resources[resource.ID] = &copied
	return nil
}

func (s *MemoryResourceStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.resources[id]
	if !ok {
		return nil, apperr.NotFound("resource %s", id)
	}
	copied := *resource
	return &copied, nil
}

func (s *MemoryResourceStore) ListResources(ctx context.Context, userID string) ([]*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Resource, 0)
	for _, resource := range s.resources {
		if userID != "" && resource.UserID != userID {
			continue
		}
		copied := *resource
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryResourceStore) UpdateResource(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return apperr.Validation("resource id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[resource.ID]; !ok {
		return apperr.NotFound("resource %s", resource.ID)
	}
	copied := *resource
	s.resources[resource.ID] = &copied
	return nil
}

func (s *MemoryResourceStore) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return apperr.NotFound("resource %s", id)
	}
	delete(s.resources, id)
	delete(s.uploads, id)
	return nil
}

func (s *MemoryResourceStore) ReadyResourceIDs(ctx context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.resources[id]; ok && r.Status == models.ResourceReady {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

func (s *MemoryResourceStore) CreateUpload(ctx context.Context, upload *models.Upload) error {
	if upload == nil || upload.ID == "" {
		return apperr.Validation("upload id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[upload.ResourceID]; !ok {
		return apperr.NotFound("resource %s", upload.ResourceID)
	}
	copied := *upload
	s.uploads[upload.ResourceID] = append(s.uploads[upload.ResourceID], &copied)
	return nil
}

func (s *MemoryResourceStore) ListUploads(ctx context.Context, resourceID string) ([]*models.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uploads := s.uploads[resourceID]
	out := make([]*models.Upload, len(uploads))
	for i, u := range uploads {
		copied := *u
		out[i] = &copied
	}
	return out, nil
}

// MemoryValidationStore is an in-memory ValidationStore.
type MemoryValidationStore struct {
	mu          sync.RWMutex
	validations map[string]*models.Validation
}

// NewMemoryValidationStore builds an empty validation store.
func NewMemoryValidationStore() *MemoryValidationStore {
	return &MemoryValidationStore{validations: make(map[string]*models.Validation)}
}

func (s *MemoryValidationStore) CreateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return apperr.Validation("validation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.validations[v.ID]; exists {
		return apperr.New(apperr.KindConflict, "validation %s already exists", v.ID)
	}
	copied := *v
	s.validations[v.ID] = &copied
	return nil
}

func (s *MemoryValidationStore) GetValidation(ctx context.Context, id string) (*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, apperr.NotFound("validation %s", id)
	}
	copied := *v
	return &copied, nil
}

func (s *MemoryValidationStore) UpdateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return apperr.Validation("validation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.validations[v.ID]; !ok {
		return apperr.NotFound("validation %s", v.ID)
	}
	copied := *v
	s.validations[v.ID] = &copied
	return nil
}

func (s *MemoryValidationStore) ListValidations(ctx context.Context, status models.ValidationStatus) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Validation, 0)
	for _, v := range s.validations {
		if status != "" && v.Status != status {
			continue
		}
		copied := *v
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryValidationStore) ExpiredPendingValidations(ctx context.Context, cutoff time.Time) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Validation, 0)
	for _, v := range s.validations {
		if v.Status == models.ValidationPending && !v.ExpiresAt.After(cutoff) {
			copied := *v
			out = append(out, &copied)
		}
	}
	return out, nil
}

// MemoryAutomationStore is an in-memory AutomationStore.
type MemoryAutomationStore struct {
	mu          sync.RWMutex
	automations map[string]*models.Automation
	executions  map[string][]*models.Execution
	stepLogs    map[string][]*models.StepLog
}

// NewMemoryAutomationStore builds an empty automation store.
func NewMemoryAutomationStore() *MemoryAutomationStore {
	return &MemoryAutomationStore{
		automations: make(map[string]*models.Automation),
		executions:  make(map[string][]*models.Execution),
		stepLogs:    make(map[string][]*models.StepLog),
	}
}

func copyAutomation(a *models.Automation) *models.Automation {
	copied := *a
	copied.Steps = make([]*models.Step, len(a.Steps))
	for i, step := range a.Steps {
		stepCopy := *step
		copied.Steps[i] = &stepCopy
	}
	copied.Triggers = make([]*models.Trigger, len(a.Triggers))
	for i, trigger := range a.Triggers {
		triggerCopy := *trigger
		copied.Triggers[i] = &triggerCopy
	}
	return &copied
}

func (s *MemoryAutomationStore) CreateAutomation(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return apperr.Validation("automation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; exists {
		return apperr.New(apperr.KindConflict, "automation %s already exists", a.ID)
	}
	if a.UserID != "" {
		owned := 0
		for _, existing := range s.automations {
			if existing.UserID == a.UserID {
				owned++
			}
		}
		if owned >= MaxAutomationsPerUser {
			return apperr.New(apperr.KindQuota, "automation quota of %d reached", MaxAutomationsPerUser)
		}
	}
	s.automations[a.ID] = copyAutomation(a)
	return nil
}

func (s *MemoryAutomationStore) GetAutomation(ctx context.Context, id string) (*models.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, apperr.NotFound("automation %s", id)
	}
	return copyAutomation(a), nil
}

func (s *MemoryAutomationStore) ListAutomations(ctx context.Context, userID string) ([]*models.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Automation, 0)
	for _, a := range s.automations {
		if userID != "" && a.UserID != userID {
			continue
		}
		out = append(out, copyAutomation(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAutomationStore) UpdateAutomation(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return apperr.Validation("automation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.automations[a.ID]; !ok {
		return apperr.NotFound("automation %s", a.ID)
	}
	s.automations[a.ID] = copyAutomation(a)
	return nil
}

func (s *MemoryAutomationStore) DeleteAutomation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.automations[id]; !ok {
		return apperr.NotFound("automation %s", id)
	}
	delete(s.automations, id)
	for _, exec := range s.executions[id] {
		delete(s.stepLogs, exec.ID)
	}
	delete(s.executions, id)
	return nil
}

func (s *MemoryAutomationStore) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	if trigger == nil || trigger.ID == "" {
		return apperr.Validation("trigger id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[trigger.AutomationID]
	if !ok {
		return apperr.NotFound("automation %s", trigger.AutomationID)
	}
	for i, t := range a.Triggers {
		if t.ID == trigger.ID {
			copied := *trigger
			a.Triggers[i] = &copied
			return nil
		}
	}
	return apperr.NotFound("trigger %s", trigger.ID)
}

func (s *MemoryAutomationStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return apperr.Validation("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.AutomationID] = append(s.executions[exec.AutomationID], &copied)
	return nil
}

func (s *MemoryAutomationStore) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return apperr.Validation("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.executions[exec.AutomationID] {
		if existing.ID == exec.ID {
			copied := *exec
			s.executions[exec.AutomationID][i] = &copied
			return nil
		}
	}
	return apperr.NotFound("execution %s", exec.ID)
}

func (s *MemoryAutomationStore) AppendStepLog(ctx context.Context, log *models.StepLog) error {
	if log == nil || log.ExecutionID == "" {
		return apperr.Validation("step log execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *log
	if copied.ID == "" {
		copied.ID = models.NewID(models.PrefixExecution)
	}
	s.stepLogs[log.ExecutionID] = append(s.stepLogs[log.ExecutionID], &copied)
	return nil
}

func (s *MemoryAutomationStore) RecentExecutions(ctx context.Context, automationID string, limit int) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execs := s.executions[automationID]
	out := make([]*models.Execution, len(execs))
	for i, e := range execs {
		copied := *e
		out[i] = &copied
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAutomationStore) ListStepLogs(ctx context.Context, executionID string) ([]*models.StepLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.stepLogs[executionID]
	out := make([]*models.StepLog, len(logs))
	for i, l := range logs {
		copied := *l
		out[i] = &copied
	}
	return out, nil
}

// MemoryModelStore is an in-memory ModelStore.
type MemoryModelStore struct {
	mu      sync.RWMutex
	entries []models.CatalogModel
}

// NewMemoryModelStore builds an empty model catalog store.
func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{}
}

func (s *MemoryModelStore) ReplaceModels(ctx context.Context, entries []models.CatalogModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]models.CatalogModel(nil), entries...)
	return nil
}

func (s *MemoryModelStore) ListCatalogModels(ctx context.Context) ([]*models.CatalogModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.CatalogModel, len(s.entries))
	for i := range s.entries {
		copied := s.entries[i]
		out[i] = &copied
	}
	return out, nil
}

// MemoryUserStore is an in-memory UserStore.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserStore builds an empty user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

func (s *MemoryUserStore) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return apperr.Validation("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return apperr.New(apperr.KindConflict, "user %s already exists", user.ID)
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return apperr.New(apperr.KindConflict, "email %s is taken", user.Email)
		}
	}
	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *MemoryUserStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s", id)
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryUserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			copied := *user
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("user with email %s", email)
}

// MemorySystemStore is an in-memory SystemStore.
type MemorySystemStore struct {
	mu      sync.RWMutex
	digests map[string]string
}

// NewMemorySystemStore builds an empty system store.
func NewMemorySystemStore() *MemorySystemStore {
	return &MemorySystemStore{digests: make(map[string]string)}
}

func (s *MemorySystemStore) SyncDigest(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digests[key], nil
}

func (s *MemorySystemStore) SetSyncDigest(ctx context.Context, key, digest string) error {
	if key == "" {
		return apperr.Validation("sync key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests[key] = digest
	return nil
}
