package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/breaker"
	"github.com/haasonsaas/atrium/internal/retry"
)

// ProviderFactory builds a provider, optionally on a shared HTTP client. The
// gateway calls it once at registration and again when the pooled client
// becomes available.
type ProviderFactory func(hc *http.Client) (Provider, error)

type registration struct {
	provider Provider
	factory  ProviderFactory
	prefixes []string
}

// Gateway routes models to providers by name prefix and wraps every stream
// open in the provider's circuit breaker and a bounded retry.
type Gateway struct {
	breakers *breaker.Registry
	retryCfg retry.Config
	logger   *slog.Logger

	mu        sync.RWMutex
	providers map[string]*registration
}

// GatewayOption configures the gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRetryConfig overrides the retry schedule.
func WithRetryConfig(cfg retry.Config) GatewayOption {
	return func(g *Gateway) { g.retryCfg = cfg }
}

// NewGateway builds a gateway over the given breaker registry.
func NewGateway(breakers *breaker.Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		breakers:  breakers,
		retryCfg:  retry.DefaultConfig(),
		logger:    slog.Default(),
		providers: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "llm_gateway")
	return g
}

// Register adds a provider under the given model-name prefixes. The factory
// is retained so the provider can later be rebuilt on the pooled client.
func (g *Gateway) Register(prefixes []string, factory ProviderFactory) error {
	p, err := factory(nil)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = &registration{provider: p, factory: factory, prefixes: prefixes}
	g.logger.Info("provider registered", "provider", p.Name(), "prefixes", strings.Join(prefixes, ","))
	return nil
}

// ReinitWithPooledClient rebuilds every provider on the shared HTTP client.
// Called once the pool exists; registration-time providers use the default
// transport until then.
func (g *Gateway) ReinitWithPooledClient(hc *http.Client) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, reg := range g.providers {
		p, err := reg.factory(hc)
		if err != nil {
			return fmt.Errorf("reinit provider %s: %w", name, err)
		}
		reg.provider = p
	}
	g.logger.Info("providers rebuilt on pooled client", "count", len(g.providers))
	return nil
}

// Route resolves the provider serving a model. Longest matching prefix wins.
func (g *Gateway) Route(model string) (Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *registration
	bestLen := -1
	for _, reg := range g.providers {
		for _, prefix := range reg.prefixes {
			if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
				best = reg
				bestLen = len(prefix)
			}
		}
	}
	if best == nil {
		return nil, apperr.Validation("no provider serves model %q", model)
	}
	return best.provider, nil
}

// Stream routes the request and opens the completion stream behind the
// provider's breaker and retry. Failures to open the stream, including an
// immediate error event, are retried; errors after the first delta are
// forwarded as-is.
func (g *Gateway) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	provider, err := g.Route(req.Model)
	if err != nil {
		return nil, err
	}
	br := g.breakers.For(provider.Name())

	out := make(chan Event)
	go func() {
		defer close(out)

		var inner <-chan Event
		var first *Event
		res := retry.Do(ctx, g.retryCfg, func() error {
			return br.Call(ctx, func(ctx context.Context) error {
				ch, err := provider.Stream(ctx, req)
				if err != nil {
					return err
				}
				ev, ok := <-ch
				if !ok {
					inner, first = nil, nil
					return nil
				}
				if ev.Type == EventError {
					for range ch {
						// Drain so the adapter goroutine can exit.
					}
					return ev.Err
				}
				first = &ev
				inner = ch
				return nil
			})
		})
		if res.Err != nil {
			g.logger.Warn("stream open failed",
				"provider", provider.Name(),
				"model", req.Model,
				"attempts", res.Attempts,
				"error", res.Err)
			out <- Event{Type: EventError, Err: res.Err}
			return
		}
		if first == nil {
			out <- Event{Type: EventEnd}
			return
		}

		if !g.forward(ctx, out, *first) {
			return
		}
		for ev := range inner {
			if !g.forward(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

func (g *Gateway) forward(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ListModels fans out across configured providers. With a provider name it
// narrows to that provider; unknown names are a validation error. Partial
// provider failures are logged and skipped unless nothing succeeds.
func (g *Gateway) ListModels(ctx context.Context, providerName string) ([]ModelInfo, error) {
	g.mu.RLock()
	regs := make([]*registration, 0, len(g.providers))
	for name, reg := range g.providers {
		if providerName == "" || name == providerName {
			regs = append(regs, reg)
		}
	}
	g.mu.RUnlock()

	if len(regs) == 0 {
		if providerName != "" {
			return nil, apperr.Validation("unknown provider %q", providerName)
		}
		return nil, nil
	}

	var all []ModelInfo
	var lastErr error
	for _, reg := range regs {
		infos, err := reg.provider.ListModels(ctx)
		if err != nil {
			g.logger.Warn("listing models failed", "provider", reg.provider.Name(), "error", err)
			lastErr = err
			continue
		}
		all = append(all, infos...)
	}
	if all == nil && lastErr != nil {
		return nil, lastErr
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// Breakers exposes circuit snapshots for diagnostics.
func (g *Gateway) Breakers() map[string]breaker.Snapshot {
	return g.breakers.Snapshots()
}
