// Package validation brokers human gates on tool calls: creating pending
// validations, enforcing the status graph, and delivering decisions back to
// the waiting stream session.
package validation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/session"
	"github.com/haasonsaas/atrium/pkg/models"
)

// SweepInterval is how often the expiry sweep runs.
const SweepInterval = 15 * time.Minute

// Store persists validations.
type Store interface {
	CreateValidation(ctx context.Context, v *models.Validation) error
	GetValidation(ctx context.Context, id string) (*models.Validation, error)
	UpdateValidation(ctx context.Context, v *models.Validation) error
	ExpiredPendingValidations(ctx context.Context, cutoff time.Time) ([]*models.Validation, error)
}

// Sessions delivers decision results into live stream sessions.
type Sessions interface {
	InjectValidationResult(chatID string, result *session.ValidationResult) bool
}

// ServerStore resolves the MCP server named in a validation payload.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*models.MCPServer, error)
}

// MCPCaller executes the approved tool call.
type MCPCaller interface {
	CallTool(ctx context.Context, server *models.MCPServer, name string, args map[string]any) *mcp.CallToolResult
}

// Resumer restarts a paused chat turn in the background when the original
// client is gone.
type Resumer interface {
	ResumeInBackground(chatID string, result *session.ValidationResult)
}

// Broker is the validation service.
type Broker struct {
	store    Store
	sessions Sessions
	servers  ServerStore
	mcp      MCPCaller
	resumer  Resumer
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithTTL overrides the pending-validation lifetime.
func WithTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithResumer wires background turn continuation.
func WithResumer(r Resumer) Option {
	return func(b *Broker) { b.resumer = r }
}

// NewBroker wires the broker's collaborators.
func NewBroker(store Store, sessions Sessions, servers ServerStore, caller MCPCaller, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		sessions: sessions,
		servers:  servers,
		mcp:      caller,
		logger:   slog.Default(),
		now:      time.Now,
		ttl:      models.DefaultValidationTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "validation")
	return b
}

// Create opens a pending validation expiring after the configured TTL.
func (b *Broker) Create(ctx context.Context, source, title, agentID, chatID string, payload *models.ValidationPayload) (*models.Validation, error) {
	if title == "" {
		return nil, apperr.Validation("validation title is required")
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Validation("validation payload: %v", err)
		}
		raw = encoded
	}

	now := b.now()
	v := &models.Validation{
		ID:        models.NewID(models.PrefixValidation),
		Source:    source,
		Title:     title,
		AgentID:   agentID,
		ChatID:    chatID,
		Status:    models.ValidationPending,
		Payload:   raw,
		ExpiresAt: now.Add(b.ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.CreateValidation(ctx, v); err != nil {
		return nil, err
	}
	b.logger.Info("validation created", "validation_id", v.ID, "chat_id", chatID, "title", title)
	return v, nil
}

// Transition moves a validation along the status graph. Disallowed moves are
// conflicts.
func (b *Broker) Transition(ctx context.Context, id string, to models.ValidationStatus, actor string) (*models.Validation, error) {
	v, err := b.store.GetValidation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(v.Status, to) {
		return nil, apperr.New(apperr.KindConflict, "validation %s cannot move from %s to %s", id, v.Status, to)
	}
	v.Status = to
	v.DecidedBy = actor
	v.UpdatedAt = b.now()
	if err := b.store.UpdateValidation(ctx, v); err != nil {
		return nil, err
	}
	b.logger.Info("validation transitioned", "validation_id", id, "status", to, "actor", actor)
	return v, nil
}

// IsTerminal reports whether the validation admits no further transitions.
// Satisfies the session manager's cleanup contract.
func (b *Broker) IsTerminal(ctx context.Context, id string) (bool, error) {
	v, err := b.store.GetValidation(ctx, id)
	if err != nil {
		return false, err
	}
	return v.Status.Terminal(), nil
}

// Approve transitions to approved, executes the gated tool call, and injects
// the result into the waiting session. If no session remains, the turn is
// resumed in the background.
func (b *Broker) Approve(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationApproved, actor)
	if err != nil {
		return nil, err
	}

	result := &session.ValidationResult{
		ValidationID: v.ID,
		Action:       string(models.ValidationApproved),
		Data:         b.executePayload(ctx, v),
	}
	b.deliver(v, result)
	return v, nil
}

// Reject transitions to rejected and notifies the session.
func (b *Broker) Reject(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationRejected, actor)
	if err != nil {
		return nil, err
	}
	b.deliver(v, &session.ValidationResult{ValidationID: v.ID, Action: string(models.ValidationRejected)})
	return v, nil
}

// Feedback records operator feedback and notifies the session so the turn can
// restart with the feedback as user input.
func (b *Broker) Feedback(ctx context.Context, id, actor, feedback string) (*models.Validation, error) {
	if feedback == "" {
		return nil, apperr.Validation("feedback text is required")
	}
	v, err := b.store.GetValidation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(v.Status, models.ValidationFeedback) {
		return nil, apperr.New(apperr.KindConflict, "validation %s cannot move from %s to %s", id, v.Status, models.ValidationFeedback)
	}
	v.Status = models.ValidationFeedback
	v.Feedback = feedback
	v.DecidedBy = actor
	v.UpdatedAt = b.now()
	if err := b.store.UpdateValidation(ctx, v); err != nil {
		return nil, err
	}

	b.deliver(v, &session.ValidationResult{
		ValidationID: v.ID,
		Action:       string(models.ValidationFeedback),
		Data:         feedback,
	})
	return v, nil
}

// Cancel transitions to cancelled and notifies the session.
func (b *Broker) Cancel(ctx context.Context, id, actor string) (*models.Validation, error) {
	v, err := b.Transition(ctx, id, models.ValidationCancelled, actor)
	if err != nil {
		return nil, err
	}
	b.deliver(v, &session.ValidationResult{ValidationID: v.ID, Action: string(models.ValidationCancelled)})
	return v, nil
}

// ExpireStale cancels pending validations past their expiry. Run by the
// scheduler every SweepInterval.
func (b *Broker) ExpireStale(ctx context.Context) (int, error) {
	stale, err := b.store.ExpiredPendingValidations(ctx, b.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, v := range stale {
		if v.Status != models.ValidationPending {
			continue
		}
		v.Status = models.ValidationCancelled
		v.DecidedBy = "system"
		v.Feedback = "expired"
		v.UpdatedAt = b.now()
		if err := b.store.UpdateValidation(ctx, v); err != nil {
			b.logger.Error("expiring validation failed", "validation_id", v.ID, "error", err)
			continue
		}
		b.deliver(v, &session.ValidationResult{ValidationID: v.ID, Action: string(models.ValidationCancelled)})
		expired++
	}
	if expired > 0 {
		b.logger.Info("expired stale validations", "count", expired)
	}
	return expired, nil
}

// executePayload runs the gated tool call and returns its result envelope.
// Internal tool payloads carry no remote call; approval itself is the result.
func (b *Broker) executePayload(ctx context.Context, v *models.Validation) any {
	if len(v.Payload) == 0 {
		return nil
	}
	var payload models.ValidationPayload
	if err := json.Unmarshal(v.Payload, &payload); err != nil {
		b.logger.Error("validation payload is malformed", "validation_id", v.ID, "error", err)
		return &mcp.CallToolResult{Success: false, Error: "validation payload is malformed"}
	}
	if payload.Internal || payload.ServerID == "" {
		return nil
	}

	server, err := b.servers.GetServer(ctx, payload.ServerID)
	if err != nil {
		b.logger.Error("resolving validation server failed", "validation_id", v.ID, "server_id", payload.ServerID, "error", err)
		return &mcp.CallToolResult{Success: false, Error: err.Error()}
	}
	var args map[string]any
	if len(payload.Arguments) > 0 {
		if err := json.Unmarshal(payload.Arguments, &args); err != nil {
			return &mcp.CallToolResult{Success: false, Error: "validation arguments are malformed"}
		}
	}
	return b.mcp.CallTool(ctx, server, payload.ToolName, args)
}

// deliver injects the result into the chat's session, or hands the chat to
// the background resumer when the session is gone.
func (b *Broker) deliver(v *models.Validation, result *session.ValidationResult) {
	if v.ChatID == "" {
		return
	}
	if b.sessions.InjectValidationResult(v.ChatID, result) {
		return
	}
	if b.resumer != nil {
		b.logger.Info("session gone, resuming turn in background", "chat_id", v.ChatID, "validation_id", v.ID)
		b.resumer.ResumeInBackground(v.ChatID, result)
		return
	}
	b.logger.Warn("no session to receive validation result", "chat_id", v.ChatID, "validation_id", v.ID)
}
