package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxAge is how long an active session may live before cleanup reaps
// it.
const DefaultMaxAge = time.Hour

// ValidationChecker reports whether a validation has reached a terminal
// status. Used by cleanup to tear down sessions whose suspension resolved
// while the client was gone.
type ValidationChecker interface {
	IsTerminal(ctx context.Context, validationID string) (bool, error)
}

// Manager owns all live stream sessions, keyed by chat.
type Manager struct {
	validations ValidationChecker
	logger      *slog.Logger
	now         func() time.Time
	maxAge      time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxAge overrides the active-session age ceiling.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// NewManager builds a session manager. validations may be nil when no broker
// is wired; cleanup then skips the terminal-validation rule.
func NewManager(validations ValidationChecker, opts ...Option) *Manager {
	m := &Manager{
		validations: validations,
		logger:      slog.Default(),
		now:         time.Now,
		maxAge:      DefaultMaxAge,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Start registers a session for the chat. An existing session is replaced and
// the replacement logged.
func (m *Manager) Start(chatID, userID string) *Session {
	s := newSession(chatID, userID, m.now())

	m.mu.Lock()
	if old, ok := m.sessions[chatID]; ok {
		m.logger.Warn("replacing existing stream session", "chat_id", chatID, "user_id", old.UserID, "session_id", old.ID)
		old.deactivate()
		old.Stop()
	}
	m.sessions[chatID] = s
	m.mu.Unlock()
	return s
}

// Get returns the chat's session, if one exists.
func (m *Manager) Get(chatID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	return s, ok
}

// End tears the chat's session down.
func (m *Manager) End(chatID string) {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if ok {
		delete(m.sessions, chatID)
	}
	m.mu.Unlock()
	if ok {
		s.deactivate()
		s.Stop()
	}
}

// IsStreamActive reports whether the chat has a live turn: an active session,
// or a disconnected one still suspended on a pending validation. The latter
// is what lets the model resume after the user closes the tab.
func (m *Manager) IsStreamActive(chatID string) bool {
	m.mu.RLock()
	s, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if s.Disconnected() {
		return s.PendingValidation() != ""
	}
	return s.isActive()
}

// Stop trips the chat's stop latch. Returns false if no session exists.
func (m *Manager) Stop(chatID string) bool {
	m.mu.RLock()
	s, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.Stop()
	return true
}

// InjectValidationResult stores the result and trips the validation latch.
// Returns false if the chat has no session.
func (m *Manager) InjectValidationResult(chatID string, result *ValidationResult) bool {
	m.mu.RLock()
	s, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.setValidationResult(result)
	return true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup reaps sessions per the lifecycle rules: suspended sessions whose
// validation is terminal, disconnected sessions with nothing pending, and
// sessions older than the age ceiling.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, s := range snapshot {
		pending := s.PendingValidation()
		switch {
		case pending != "" && m.validations != nil:
			terminal, err := m.validations.IsTerminal(ctx, pending)
			if err != nil {
				m.logger.Warn("checking validation status failed", "chat_id", s.ChatID, "validation_id", pending, "error", err)
				continue
			}
			if terminal {
				m.logger.Info("ending session, validation resolved", "chat_id", s.ChatID, "validation_id", pending)
				m.End(s.ChatID)
			}
		case pending == "" && s.Disconnected():
			m.logger.Info("ending disconnected session", "chat_id", s.ChatID)
			m.End(s.ChatID)
		case now.Sub(s.StartedAt) > m.maxAge:
			m.logger.Warn("ending session past max age", "chat_id", s.ChatID, "age", now.Sub(s.StartedAt))
			m.End(s.ChatID)
		}
	}
}
