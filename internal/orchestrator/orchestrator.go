// Package orchestrator drives one chat turn end to end: persist the user
// message, stream the model through the gateway, gate tool calls behind
// validations, and emit SSE events until the turn closes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/llm"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/rag"
	"github.com/haasonsaas/atrium/internal/session"
	"github.com/haasonsaas/atrium/internal/tools"
	"github.com/haasonsaas/atrium/pkg/models"
)

// historyLimit is how many persisted messages seed the model context.
const historyLimit = 50

// backgroundTurnTimeout bounds a continuation running without a client.
const backgroundTurnTimeout = 10 * time.Minute

// ChatStore persists chats and their messages.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	SetGenerating(ctx context.Context, chatID string, generating bool) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
}

// AgentStore resolves the chat's agent.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
}

// ServerSource resolves the agent's MCP servers and their tools.
type ServerSource interface {
	GetServer(ctx context.Context, id string) (*models.MCPServer, error)
	ListServerTools(ctx context.Context, serverID string) ([]*models.Tool, error)
	DefaultTools(ctx context.Context) ([]*models.Tool, error)
}

// ResourceSource narrows the agent's resources to the ready ones.
type ResourceSource interface {
	ReadyResourceIDs(ctx context.Context, ids []string) ([]string, error)
}

// Gateway opens completion streams. Satisfied by the llm gateway.
type Gateway interface {
	Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error)
}

// Validations opens human gates on tool calls. Satisfied by the validation
// broker.
type Validations interface {
	Create(ctx context.Context, source, title, agentID, chatID string, payload *models.ValidationPayload) (*models.Validation, error)
}

// Orchestrator is the single entry point for chat turns.
type Orchestrator struct {
	chats       ChatStore
	agents      AgentStore
	servers     ServerSource
	resources   ResourceSource
	gateway     Gateway
	sessions    *session.Manager
	validations Validations
	registry    *tools.Registry
	logger      *slog.Logger
	now         func() time.Time

	// defaultModel serves RunOnce calls, which have no chat to carry a model.
	defaultModel string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultModel sets the model used for non-chat agent runs.
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		if model != "" {
			o.defaultModel = model
		}
	}
}

// New wires the orchestrator's collaborators.
func New(chats ChatStore, agents AgentStore, servers ServerSource, resources ResourceSource, gateway Gateway, sessions *session.Manager, validations Validations, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		chats:       chats,
		agents:      agents,
		servers:     servers,
		resources:   resources,
		gateway:     gateway,
		sessions:    sessions,
		validations: validations,
		registry:    registry,
		logger:      slog.Default(),
		now:         time.Now,

		defaultModel: "claude-sonnet-4-5",
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// toolTarget routes a tool name to its server or to the internal registry.
type toolTarget struct {
	serverID   string
	serverName string
	internal   bool
}

// turnContext is everything assembled for one turn.
type turnContext struct {
	chat        *models.Chat
	agent       *models.Agent
	conv        []llm.Message
	defs        []llm.ToolDef
	route       map[string]toolTarget
	resourceIDs []string
}

// StreamTurn runs one turn for a user message, emitting events until the turn
// closes. A chat already generating rejects with a conflict.
func (o *Orchestrator) StreamTurn(ctx context.Context, chatID, userID, content string, emitter Emitter) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("message content is empty")
	}
	chat, err := o.chats.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.IsGenerating {
		return apperr.New(apperr.KindConflict, "chat %s is already generating", chatID)
	}

	userMsg := &models.Message{
		ID:        models.NewID(models.PrefixMessage),
		ChatID:    chatID,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: o.now(),
	}
	if err := o.chats.CreateMessage(ctx, userMsg); err != nil {
		return err
	}
	if err := o.chats.SetGenerating(ctx, chatID, true); err != nil {
		return err
	}

	sess := o.sessions.Start(chatID, userID)
	sess.ResetSources()
	defer o.closeTurn(ctx, chatID)

	tc, err := o.buildContext(ctx, chat)
	if err != nil {
		o.emit(sess, emitter, EventError, map[string]any{"message": err.Error()})
		return err
	}
	if len(tc.resourceIDs) > 0 {
		ctx = tools.WithRAGScope(ctx, &tools.RAGScope{ResourceIDs: tc.resourceIDs, OnSources: sess.AddSources})
	}
	return o.drive(ctx, sess, emitter, tc)
}

// Stop trips the chat's stop latch. The turn exits at its next suspension
// point.
func (o *Orchestrator) Stop(chatID string) bool {
	return o.sessions.Stop(chatID)
}

// IsStreamActive reports whether the chat has a live or suspended turn.
func (o *Orchestrator) IsStreamActive(chatID string) bool {
	return o.sessions.IsStreamActive(chatID)
}

// ResumeInBackground finalizes a paused turn whose client is gone: the
// decided tool outcome is folded into the history and the stream is consumed
// without emitting to anyone. Satisfies the validation broker's Resumer.
func (o *Orchestrator) ResumeInBackground(chatID string, result *session.ValidationResult) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTurnTimeout)
		defer cancel()

		chat, err := o.chats.GetChat(ctx, chatID)
		if err != nil {
			o.logger.Error("background resume: loading chat failed", "chat_id", chatID, "error", err)
			return
		}
		if !chat.IsGenerating {
			o.logger.Warn("background resume: chat is not generating", "chat_id", chatID)
			return
		}

		sess := o.sessions.Start(chatID, chat.UserID)
		defer o.closeTurn(ctx, chatID)

		tc, err := o.buildContext(ctx, chat)
		if err != nil {
			o.logger.Error("background resume: building context failed", "chat_id", chatID, "error", err)
			return
		}
		tc.conv = append(tc.conv, llm.Message{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("The pending tool call was %s. Result: %s", result.Action, stringifyToolData(result.Data)),
		})
		if len(tc.resourceIDs) > 0 {
			ctx = tools.WithRAGScope(ctx, &tools.RAGScope{ResourceIDs: tc.resourceIDs, OnSources: sess.AddSources})
		}
		if err := o.drive(ctx, sess, discardEmitter{}, tc); err != nil {
			o.logger.Error("background resume failed", "chat_id", chatID, "error", err)
		}
	}()
}

// RunOnce runs an agent on a single prompt without a chat: no persistence,
// no tools, no streaming to a client. Serves workflow ai_action steps.
func (o *Orchestrator) RunOnce(ctx context.Context, agentID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", apperr.Validation("prompt is empty")
	}
	agent, err := o.agents.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	events, err := o.gateway.Stream(ctx, &llm.Request{
		Model:        o.defaultModel,
		SystemPrompt: agent.SystemPrompt,
		Messages:     []llm.Message{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return llm.Collect(ctx, events)
}

// closeTurn tears the session down and clears the generating flag, even when
// the request context is already cancelled.
func (o *Orchestrator) closeTurn(ctx context.Context, chatID string) {
	o.sessions.End(chatID)
	if err := o.chats.SetGenerating(context.WithoutCancel(ctx), chatID, false); err != nil {
		o.logger.Error("clearing generating flag failed", "chat_id", chatID, "error", err)
	}
}

// buildContext loads the history, the agent's tool surface, and the ready
// resources for the RAG tools.
func (o *Orchestrator) buildContext(ctx context.Context, chat *models.Chat) (*turnContext, error) {
	agent, err := o.agents.GetAgent(ctx, chat.AgentID)
	if err != nil {
		return nil, err
	}

	history, err := o.chats.RecentMessages(ctx, chat.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	conv := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case models.RoleUser, models.RoleAssistant:
			conv = append(conv, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	tc := &turnContext{
		chat:  chat,
		agent: agent,
		conv:  conv,
		route: make(map[string]toolTarget),
	}

	addServerTools := func(server *models.MCPServer, serverTools []*models.Tool) {
		for _, tool := range serverTools {
			if !tool.Enabled {
				continue
			}
			if _, taken := tc.route[tool.Name]; taken {
				continue
			}
			tc.route[tool.Name] = toolTarget{serverID: server.ID, serverName: server.Name}
			tc.defs = append(tc.defs, llm.ToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}

	for _, serverID := range agent.ServerIDs {
		server, err := o.servers.GetServer(ctx, serverID)
		if err != nil {
			o.logger.Warn("skipping unresolvable server", "server_id", serverID, "error", err)
			continue
		}
		if server.Status != models.ServerActive {
			continue
		}
		serverTools, err := o.servers.ListServerTools(ctx, serverID)
		if err != nil {
			return nil, err
		}
		addServerTools(server, serverTools)
	}

	defaults, err := o.servers.DefaultTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range defaults {
		if !tool.Enabled || !tool.IsDefault {
			continue
		}
		if _, taken := tc.route[tool.Name]; taken {
			continue
		}
		server, err := o.servers.GetServer(ctx, tool.ServerID)
		if err != nil {
			continue
		}
		addServerTools(server, []*models.Tool{tool})
	}

	if len(agent.ResourceIDs) > 0 {
		ready, err := o.resources.ReadyResourceIDs(ctx, agent.ResourceIDs)
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 {
			tc.resourceIDs = ready
			for _, h := range o.registry.Handlers() {
				if _, taken := tc.route[h.Name()]; taken {
					continue
				}
				tc.route[h.Name()] = toolTarget{internal: true}
				tc.defs = append(tc.defs, llm.ToolDef{
					Name:        h.Name(),
					Description: h.Description(),
					InputSchema: h.Schema(),
				})
			}
		}
	}
	return tc, nil
}

// drive runs the stream loop: open the stream, forward deltas, rendezvous on
// each tool call, and restart after approved or feedback decisions.
func (o *Orchestrator) drive(ctx context.Context, sess *session.Session, emitter Emitter, tc *turnContext) error {
	var buffer strings.Builder
	var records []models.ToolCallRecord
	conv := tc.conv

	for {
		events, err := o.gateway.Stream(ctx, &llm.Request{
			Model:        tc.chat.Model,
			SystemPrompt: tc.agent.SystemPrompt,
			Messages:     conv,
			Tools:        tc.defs,
		})
		if err != nil {
			return o.failTurn(ctx, emitter, sess, tc, &buffer, records, err)
		}

		restart := false
		for ev := range events {
			if sess.Stopped() {
				drain(events)
				return o.stopTurn(ctx, emitter, sess, tc, &buffer, records)
			}

			switch ev.Type {
			case llm.EventTextDelta:
				buffer.WriteString(ev.Text)
				o.emit(sess, emitter, EventChunk, map[string]any{"content": ev.Text})

			case llm.EventToolCall:
				decision, newConv, err := o.gateToolCall(ctx, sess, emitter, tc, conv, ev.ToolCall, &records)
				if err != nil {
					drain(events)
					return o.failTurn(ctx, emitter, sess, tc, &buffer, records, err)
				}
				switch decision {
				case gateRestart:
					conv = newConv
					restart = true
				case gateStopped:
					drain(events)
					return o.stopTurn(ctx, emitter, sess, tc, &buffer, records)
				case gateClose:
					drain(events)
					closing := "The requested tool call was not approved, so I stopped here."
					if buffer.Len() > 0 {
						closing = "\n\n" + closing
					}
					buffer.WriteString(closing)
					o.emit(sess, emitter, EventChunk, map[string]any{"content": closing})
					return o.finishTurn(ctx, emitter, sess, tc, &buffer, records)
				}

			case llm.EventError:
				drain(events)
				return o.failTurn(ctx, emitter, sess, tc, &buffer, records, ev.Err)

			case llm.EventEnd:
				drain(events)
				return o.finishTurn(ctx, emitter, sess, tc, &buffer, records)
			}
			if restart {
				drain(events)
				break
			}
		}
		if !restart {
			// Channel closed without an explicit end event.
			return o.finishTurn(ctx, emitter, sess, tc, &buffer, records)
		}
	}
}

type gateDecision int

const (
	gateRestart gateDecision = iota
	gateClose
	gateStopped
)

// gateToolCall opens a validation for the tool call and suspends until the
// operator decides or the turn stops.
func (o *Orchestrator) gateToolCall(ctx context.Context, sess *session.Session, emitter Emitter, tc *turnContext, conv []llm.Message, call *models.ToolCall, records *[]models.ToolCallRecord) (gateDecision, []llm.Message, error) {
	target, known := tc.route[call.Name]
	if !known {
		conv = appendToolExchange(conv, call, "tool "+call.Name+" is not available", true)
		return gateRestart, conv, nil
	}

	title := fmt.Sprintf("Call %s on %s", call.Name, target.serverName)
	if target.internal {
		title = fmt.Sprintf("Run internal tool %s", call.Name)
	}
	v, err := o.validations.Create(ctx, "tool_call", title, tc.agent.ID, tc.chat.ID, &models.ValidationPayload{
		ServerID:  target.serverID,
		ToolName:  call.Name,
		Arguments: call.Input,
		Internal:  target.internal,
	})
	if err != nil {
		return gateClose, conv, err
	}

	sess.SetPendingValidation(v.ID)
	o.emit(sess, emitter, EventValidationRequired, map[string]any{"validation_id": v.ID})
	o.logger.Info("turn suspended on validation", "chat_id", tc.chat.ID, "validation_id", v.ID, "tool", call.Name)

	result, err := sess.WaitValidation(ctx)
	sess.ClearPendingValidation()
	sess.ResetValidationEvent()
	if err != nil {
		return gateClose, conv, err
	}
	if result == nil {
		return gateStopped, conv, nil
	}

	switch result.Action {
	case string(models.ValidationApproved):
		content, isErr := o.approvedToolResult(ctx, target, call, result)
		conv = appendToolExchange(conv, call, content, isErr)
		resultJSON, _ := json.Marshal(content)
		*records = append(*records, models.ToolCallRecord{
			ValidationID: v.ID,
			ToolName:     call.Name,
			ServerID:     target.serverID,
			Arguments:    call.Input,
			Result:       resultJSON,
			IsError:      isErr,
		})
		return gateRestart, conv, nil

	case string(models.ValidationFeedback):
		feedback, _ := result.Data.(string)
		if feedback == "" {
			feedback = "Please reconsider that tool call."
		}
		msg := &models.Message{
			ID:        models.NewID(models.PrefixMessage),
			ChatID:    tc.chat.ID,
			Role:      models.RoleUser,
			Content:   feedback,
			CreatedAt: o.now(),
		}
		if err := o.chats.CreateMessage(ctx, msg); err != nil {
			return gateClose, conv, err
		}
		conv = append(conv, llm.Message{Role: models.RoleUser, Content: feedback})
		return gateRestart, conv, nil

	default:
		// Rejected or cancelled closes the turn.
		return gateClose, conv, nil
	}
}

// approvedToolResult resolves the content fed back to the model after an
// approval: internal tools run here, external results ride in from the
// broker.
func (o *Orchestrator) approvedToolResult(ctx context.Context, target toolTarget, call *models.ToolCall, result *session.ValidationResult) (string, bool) {
	if target.internal {
		res, err := o.registry.Execute(ctx, call.Name, call.Input)
		if err != nil {
			return err.Error(), true
		}
		return res.Content, res.IsError
	}

	switch data := result.Data.(type) {
	case *mcp.CallToolResult:
		if !data.Success {
			return data.Error, true
		}
		return data.Result, false
	case string:
		return data, false
	case nil:
		return "approved", false
	default:
		return stringifyToolData(data), false
	}
}

// appendToolExchange adds the assistant's tool call and its result to the
// conversation.
func appendToolExchange(conv []llm.Message, call *models.ToolCall, content string, isErr bool) []llm.Message {
	return append(conv,
		llm.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{*call}},
		llm.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isErr,
		}}},
	)
}

// finishTurn emits sources and done, then persists the assistant message.
func (o *Orchestrator) finishTurn(ctx context.Context, emitter Emitter, sess *session.Session, tc *turnContext, buffer *strings.Builder, records []models.ToolCallRecord) error {
	sources := sess.Sources()
	if len(sources) > 0 {
		o.emit(sess, emitter, EventSources, map[string]any{"resources": sources})
	}
	o.emit(sess, emitter, EventDone, map[string]any{})
	return o.persistAssistant(ctx, tc, buffer.String(), records, sources, false)
}

// stopTurn emits stopped and persists whatever text accumulated.
func (o *Orchestrator) stopTurn(ctx context.Context, emitter Emitter, sess *session.Session, tc *turnContext, buffer *strings.Builder, records []models.ToolCallRecord) error {
	o.emit(sess, emitter, EventStopped, map[string]any{})
	o.logger.Info("turn stopped", "chat_id", tc.chat.ID)
	if buffer.Len() == 0 && len(records) == 0 {
		return nil
	}
	return o.persistAssistant(ctx, tc, buffer.String(), records, sess.Sources(), false)
}

// failTurn emits error and persists the partial text as an error message.
func (o *Orchestrator) failTurn(ctx context.Context, emitter Emitter, sess *session.Session, tc *turnContext, buffer *strings.Builder, records []models.ToolCallRecord, cause error) error {
	o.emit(sess, emitter, EventError, map[string]any{"message": cause.Error()})
	o.logger.Error("turn failed", "chat_id", tc.chat.ID, "error", cause)
	content := buffer.String()
	if content == "" {
		content = "The response could not be generated: " + cause.Error()
	}
	if err := o.persistAssistant(ctx, tc, content, records, sess.Sources(), true); err != nil {
		o.logger.Error("persisting error message failed", "chat_id", tc.chat.ID, "error", err)
	}
	return cause
}

func (o *Orchestrator) persistAssistant(ctx context.Context, tc *turnContext, content string, records []models.ToolCallRecord, sources []rag.Source, isErr bool) error {
	if content == "" && len(records) == 0 {
		return nil
	}
	msg := &models.Message{
		ID:        models.NewID(models.PrefixMessage),
		ChatID:    tc.chat.ID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: o.now(),
	}
	if len(records) > 0 || len(sources) > 0 || isErr {
		meta := &models.MessageMetadata{ToolCalls: records, IsError: isErr}
		for _, src := range sources {
			meta.Sources = append(meta.Sources, models.Source{
				ResourceID: src.ResourceID,
				Filename:   src.ResourceName,
				Snippet:    src.Snippet,
				Similarity: src.Similarity,
			})
		}
		msg.Metadata = meta
	}
	return o.chats.CreateMessage(context.WithoutCancel(ctx), msg)
}

// emit sends one event. A failing emitter marks the client disconnected; the
// turn keeps running.
func (o *Orchestrator) emit(sess *session.Session, emitter Emitter, event string, data any) {
	if err := emitter.Emit(event, data); err != nil {
		if !sess.Disconnected() {
			o.logger.Warn("client disconnected mid-turn", "chat_id", sess.ChatID, "error", err)
			sess.MarkDisconnected(o.now())
		}
	}
}

// drain consumes the remainder of an abandoned stream so the forwarding
// goroutine can exit.
func drain(events <-chan llm.Event) {
	go func() {
		for range events {
		}
	}()
}

func stringifyToolData(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case *mcp.CallToolResult:
		if !v.Success {
			return v.Error
		}
		return v.Result
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
