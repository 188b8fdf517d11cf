// Package scheduler runs named cron jobs: automation triggers registered at
// runtime and the periodic system maintenance jobs.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with named entries and a per-job overlap
// guard: a firing that finds the previous run still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	guards  map[string]*atomic.Bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a stopped scheduler. Specs use the standard five-field cron
// format.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		logger:  slog.Default(),
		entries: make(map[string]cron.EntryID),
		guards:  make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Add registers a job under id, replacing any existing entry with that id.
func (s *Scheduler) Add(id, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		delete(s.guards, id)
	}

	guard := &atomic.Bool{}
	entryID, err := s.cron.AddFunc(spec, s.wrap(id, guard, fn))
	if err != nil {
		return err
	}
	s.entries[id] = entryID
	s.guards[id] = guard
	s.logger.Debug("job registered", "job_id", id, "spec", spec)
	return nil
}

// Remove drops the job with the given id, if present.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	delete(s.guards, id)
	s.logger.Debug("job removed", "job_id", id)
}

// Jobs returns the registered job ids.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop halts firing and waits for running jobs, honoring the context
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrap applies the overlap guard and panic containment around a job body.
func (s *Scheduler) wrap(id string, guard *atomic.Bool, fn func()) func() {
	return func() {
		if !guard.CompareAndSwap(false, true) {
			s.logger.Warn("previous run still going, skipping", "job_id", id)
			return
		}
		defer guard.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("job panicked", "job_id", id, "panic", r)
			}
		}()
		fn()
	}
}
