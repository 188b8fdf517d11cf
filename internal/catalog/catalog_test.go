package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/atrium/internal/llm"
	"github.com/haasonsaas/atrium/internal/store"
	"github.com/haasonsaas/atrium/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLister struct {
	infos []llm.ModelInfo
	err   error
}

func (f *fakeLister) ListModels(ctx context.Context, provider string) ([]llm.ModelInfo, error) {
	return f.infos, f.err
}

func TestSyncer_ReplacesCatalog(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	lister := &fakeLister{infos: []llm.ModelInfo{
		{ID: "claude-sonnet-4", DisplayName: "Claude Sonnet 4", Provider: "anthropic", ContextSize: 200000},
		{ID: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai", ContextSize: 128000},
	}}
	modelStore := store.NewMemoryModelStore()
	s := NewSyncer(lister, modelStore, WithLogger(testLogger()), WithNow(func() time.Time { return now }))

	count, err := s.SyncModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d", count)
	}

	got, err := s.Models(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("catalog = %d entries", len(got))
	}
	for _, entry := range got {
		if !models.HasPrefix(entry.ID, models.PrefixModel) {
			t.Errorf("id = %q", entry.ID)
		}
		if !entry.SyncedAt.Equal(now) {
			t.Errorf("synced_at = %v", entry.SyncedAt)
		}
	}
}

func TestSyncer_EmptyResponseKeepsCatalog(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{infos: []llm.ModelInfo{{ID: "claude-sonnet-4", Provider: "anthropic"}}}
	modelStore := store.NewMemoryModelStore()
	s := NewSyncer(lister, modelStore, WithLogger(testLogger()))
	if _, err := s.SyncModels(ctx); err != nil {
		t.Fatal(err)
	}

	lister.infos = nil
	count, err := s.SyncModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d", count)
	}
	got, err := s.Models(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("catalog wiped, entries = %d", len(got))
	}
}

func TestSyncer_ListerErrorPropagates(t *testing.T) {
	lister := &fakeLister{err: errors.New("provider down")}
	s := NewSyncer(lister, store.NewMemoryModelStore(), WithLogger(testLogger()))
	if _, err := s.SyncModels(context.Background()); err == nil {
		t.Error("expected error")
	}
}
