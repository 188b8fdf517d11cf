package metacache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCache(ttl time.Duration) (*Cache, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	c := New(ttl, WithNow(func() time.Time { return *clock }))
	return c, clock
}

func TestCache_HitWithinTTL(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context, string) (any, error) {
		calls++
		return "metadata", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "https://mcp.example.com", fetch)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if v != "metadata" {
			t.Fatalf("get %d: value = %v", i, v)
		}
	}
	if calls != 1 {
		t.Errorf("fetcher called %d times, want 1", calls)
	}
}

func TestCache_RefetchAfterExpiry(t *testing.T) {
	c, clock := newTestCache(time.Hour)
	ctx := context.Background()

	version := 0
	fetch := func(context.Context, string) (any, error) {
		version++
		return version, nil
	}

	c.Get(ctx, "k", fetch)
	*clock = clock.Add(2 * time.Hour)

	v, err := c.Get(ctx, "k", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("value = %v, want refetched 2", v)
	}
}

func TestCache_StaleFallback(t *testing.T) {
	c, clock := newTestCache(time.Hour)
	ctx := context.Background()

	c.Get(ctx, "k", func(context.Context, string) (any, error) {
		return "primed", nil
	})
	*clock = clock.Add(2 * time.Hour)

	v, err := c.Get(ctx, "k", func(context.Context, string) (any, error) {
		return nil, errors.New("upstream down")
	})
	if err != nil {
		t.Fatalf("expected stale fallback, got error: %v", err)
	}
	if v != "primed" {
		t.Errorf("value = %v, want stale primed", v)
	}
}

func TestCache_ErrorWithoutEntry(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	ctx := context.Background()

	wantErr := errors.New("upstream down")
	_, err := c.Get(ctx, "missing", func(context.Context, string) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context, string) (any, error) {
		calls++
		return calls, nil
	}

	c.Get(ctx, "k", fetch)
	c.Invalidate("k")
	c.Get(ctx, "k", fetch)

	if calls != 2 {
		t.Errorf("fetcher called %d times, want 2", calls)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}
