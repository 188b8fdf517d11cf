// Package session tracks in-memory stream sessions, one per chat. A session
// carries the turn's stop latch, validation rendezvous, and source
// attributions, and can outlive a client disconnect while a validation is
// pending.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/atrium/internal/rag"
)

// ValidationResult is the payload injected when an operator decides a
// validation tied to this session.
type ValidationResult struct {
	ValidationID string `json:"validation_id"`
	Action       string `json:"action"`
	Data         any    `json:"data,omitempty"`
}

// Session is the ephemeral state of one streaming turn.
type Session struct {
	// ID correlates log lines across the turn. Unique per session, not per
	// chat, so replaced sessions stay distinguishable.
	ID        string
	ChatID    string
	UserID    string
	StartedAt time.Time

	mu                sync.Mutex
	active            bool
	stopCh            chan struct{}
	stopped           bool
	validationCh      chan struct{}
	validationResult  *ValidationResult
	sources           map[string]rag.Source
	pendingValidation string
	disconnectedAt    time.Time
}

func newSession(chatID, userID string, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		UserID:       userID,
		StartedAt:    now,
		active:       true,
		stopCh:       make(chan struct{}),
		validationCh: make(chan struct{}),
		sources:      make(map[string]rag.Source),
	}
}

// Stop trips the stop latch. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
}

// Stopped reports whether the stop latch has been tripped.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopCh closes when the stop latch trips.
func (s *Session) StopCh() <-chan struct{} {
	return s.stopCh
}

// setValidationResult stores the result and trips the validation latch.
func (s *Session) setValidationResult(result *ValidationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validationResult = result
	select {
	case <-s.validationCh:
	default:
		close(s.validationCh)
	}
}

// WaitValidation blocks until a validation result is injected, the stop latch
// trips, or the context ends. A nil result with a nil error means the turn
// was stopped.
func (s *Session) WaitValidation(ctx context.Context) (*ValidationResult, error) {
	select {
	case <-s.validationCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.validationResult, nil
	case <-s.stopCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetValidationEvent re-arms the latch so a later tool call in the same
// turn can block again.
func (s *Session) ResetValidationEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.validationCh:
		s.validationCh = make(chan struct{})
		s.validationResult = nil
	default:
	}
}

// SetPendingValidation records the validation this session is suspended on.
func (s *Session) SetPendingValidation(validationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingValidation = validationID
}

// ClearPendingValidation marks the suspension resolved.
func (s *Session) ClearPendingValidation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingValidation = ""
}

// PendingValidation returns the suspended validation id, if any.
func (s *Session) PendingValidation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingValidation
}

// MarkDisconnected records that the client went away.
func (s *Session) MarkDisconnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectedAt = now
}

// Reconnect clears the disconnect marker.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectedAt = time.Time{}
}

// Disconnected reports whether the client is gone.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnectedAt.IsZero()
}

// AddSources merges retrieved sources into the turn, keyed by resource so a
// resource hit twice appears once.
func (s *Session) AddSources(sources []rag.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		existing, ok := s.sources[src.ResourceID]
		if !ok || src.Similarity > existing.Similarity {
			s.sources[src.ResourceID] = src
		}
	}
}

// Sources returns the turn's accumulated sources.
func (s *Session) Sources() []rag.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rag.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out
}

// ResetSources clears accumulated sources at the start of a turn.
func (s *Session) ResetSources() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = make(map[string]rag.Source)
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}
