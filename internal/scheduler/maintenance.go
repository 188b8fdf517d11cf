package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// System job ids and schedules.
const (
	JobModelSync       = "system_model_sync"
	JobChatCleanup     = "system_chat_cleanup"
	JobValidationSweep = "system_validation_sweep"
	JobSessionCleanup  = "system_session_cleanup"

	modelSyncSpec       = "0 0 * * *"
	chatCleanupSpec     = "0 1 * * *"
	validationSweepSpec = "*/15 * * * *"
	sessionCleanupSpec  = "*/5 * * * *"
)

// emptyChatMaxAge is how long a chat without messages survives before the
// nightly cleanup removes it.
const emptyChatMaxAge = 30 * 24 * time.Hour

// defaultJobTimeout bounds each maintenance run.
const defaultJobTimeout = 5 * time.Minute

// Registry is where maintenance jobs are installed. Satisfied by Scheduler.
type Registry interface {
	Add(id, spec string, fn func()) error
}

// ModelCatalog refreshes the persisted model list from the providers.
type ModelCatalog interface {
	SyncModels(ctx context.Context) (int, error)
}

// ChatJanitor removes chats that never received a message.
type ChatJanitor interface {
	DeleteEmptyChats(ctx context.Context, olderThan time.Time) (int, error)
}

// ValidationSweeper cancels pending validations past their expiry.
type ValidationSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// SessionJanitor reaps dead stream sessions.
type SessionJanitor interface {
	Cleanup(ctx context.Context)
}

// Maintenance bundles the periodic system jobs. Nil collaborators skip their
// job.
type Maintenance struct {
	models      ModelCatalog
	chats       ChatJanitor
	validations ValidationSweeper
	sessions    SessionJanitor
	logger      *slog.Logger
	now         func() time.Time
	timeout     time.Duration
}

// MaintenanceOption configures Maintenance.
type MaintenanceOption func(*Maintenance)

// WithMaintenanceLogger sets the logger.
func WithMaintenanceLogger(l *slog.Logger) MaintenanceOption {
	return func(m *Maintenance) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMaintenanceNow overrides the clock for tests.
func WithMaintenanceNow(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) {
		if now != nil {
			m.now = now
		}
	}
}

// WithJobTimeout overrides the per-run timeout.
func WithJobTimeout(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewMaintenance wires the maintenance jobs.
func NewMaintenance(models ModelCatalog, chats ChatJanitor, validations ValidationSweeper, sessions SessionJanitor, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		models:      models,
		chats:       chats,
		validations: validations,
		sessions:    sessions,
		logger:      slog.Default(),
		now:         time.Now,
		timeout:     defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "maintenance")
	return m
}

// Register installs every configured job into the registry.
func (m *Maintenance) Register(reg Registry) error {
	if m.models != nil {
		if err := reg.Add(JobModelSync, modelSyncSpec, m.runModelSync); err != nil {
			return err
		}
	}
	if m.chats != nil {
		if err := reg.Add(JobChatCleanup, chatCleanupSpec, m.runChatCleanup); err != nil {
			return err
		}
	}
	if m.validations != nil {
		if err := reg.Add(JobValidationSweep, validationSweepSpec, m.runValidationSweep); err != nil {
			return err
		}
	}
	if m.sessions != nil {
		if err := reg.Add(JobSessionCleanup, sessionCleanupSpec, m.runSessionCleanup); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintenance) runModelSync() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	count, err := m.models.SyncModels(ctx)
	if err != nil {
		m.logger.Error("model sync failed", "error", err)
		return
	}
	m.logger.Info("model catalog synced", "models", count)
}

func (m *Maintenance) runChatCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	cutoff := m.now().Add(-emptyChatMaxAge)
	count, err := m.chats.DeleteEmptyChats(ctx, cutoff)
	if err != nil {
		m.logger.Error("chat cleanup failed", "error", err)
		return
	}
	if count > 0 {
		m.logger.Info("empty chats removed", "count", count)
	}
}

func (m *Maintenance) runValidationSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.validations.ExpireStale(ctx); err != nil {
		m.logger.Error("validation sweep failed", "error", err)
	}
}

func (m *Maintenance) runSessionCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	m.sessions.Cleanup(ctx)
}
