// Package catalog keeps the persisted model list in step with what the
// configured providers actually serve.
package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/atrium/internal/llm"
	"github.com/haasonsaas/atrium/pkg/models"
)

// ModelLister enumerates models across providers. An empty provider name
// means all of them.
type ModelLister interface {
	ListModels(ctx context.Context, provider string) ([]llm.ModelInfo, error)
}

// Store persists the synced catalog.
type Store interface {
	ReplaceModels(ctx context.Context, entries []models.CatalogModel) error
	ListCatalogModels(ctx context.Context) ([]*models.CatalogModel, error)
}

// Syncer refreshes the model catalog from the providers.
type Syncer struct {
	lister ModelLister
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSyncer builds a syncer over the gateway and the model store.
func NewSyncer(lister ModelLister, store Store, opts ...Option) *Syncer {
	s := &Syncer{
		lister: lister,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "model_catalog")
	return s
}

// SyncModels replaces the stored catalog with the providers' current model
// lists and returns how many entries were written. An empty provider response
// leaves the existing catalog untouched so a transient outage cannot wipe it.
func (s *Syncer) SyncModels(ctx context.Context) (int, error) {
	infos, err := s.lister.ListModels(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		s.logger.Warn("providers returned no models, keeping existing catalog")
		return 0, nil
	}

	syncedAt := s.now()
	entries := make([]models.CatalogModel, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, models.CatalogModel{
			ID:          models.NewID(models.PrefixModel),
			Provider:    info.Provider,
			ModelID:     info.ID,
			DisplayName: info.DisplayName,
			ContextSize: info.ContextSize,
			SyncedAt:    syncedAt,
		})
	}
	if err := s.store.ReplaceModels(ctx, entries); err != nil {
		return 0, err
	}
	s.logger.Info("model catalog replaced", "models", len(entries))
	return len(entries), nil
}

// Models returns the persisted catalog.
func (s *Syncer) Models(ctx context.Context) ([]*models.CatalogModel, error) {
	return s.store.ListCatalogModels(ctx)
}
