// Package breaker provides per-provider circuit breakers for failure
// isolation around outbound calls.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/atrium/internal/apperr"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting a probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive-success count that closes a half-open circuit.
	SuccessThreshold int
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker is a three-state circuit breaker. All transitions happen under the
// breaker's lock; while a half-open probe is in flight, other callers fail
// fast as if the circuit were still open.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailure  time.Time
	probeInFlight bool
}

// Option configures a breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a breaker for the named provider.
func New(name string, config Config, opts ...Option) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: slog.Default().With("component", "breaker", "provider", name),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	RetryAfter      int       `json:"retry_after,omitempty"`
}

// GetState returns a snapshot of the breaker.
func (b *Breaker) GetState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
	if b.state == StateOpen {
		remaining := b.config.RecoveryTimeout - b.now().Sub(b.lastFailure)
		if remaining > 0 {
			snap.RetryAfter = int(remaining.Seconds() + 0.999)
		}
	}
	return snap
}

// Call executes fn under the breaker. If the circuit is open and the recovery
// timeout has not elapsed, it fails fast without invoking fn. The first call
// after the timeout is admitted as a half-open probe; concurrent callers keep
// failing fast until the probe resolves.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// when the recovery timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := b.config.RecoveryTimeout - b.now().Sub(b.lastFailure)
		if remaining > 0 {
			return b.openError(remaining)
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		b.logger.Info("circuit half-open, probing")
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return b.openError(0)
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// record applies a call outcome to breaker state.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err != nil {
			b.failures++
			b.lastFailure = b.now()
			if b.failures >= b.config.FailureThreshold {
				b.state = StateOpen
				b.logger.Warn("circuit opened", "failures", b.failures)
			}
			return
		}
		b.failures = 0

	case StateHalfOpen:
		b.probeInFlight = false
		if err != nil {
			b.state = StateOpen
			b.lastFailure = b.now()
			b.logger.Warn("probe failed, circuit re-opened")
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info("circuit closed")
		}
	}
}

func (b *Breaker) openError(remaining time.Duration) error {
	retryAfter := int(remaining.Seconds() + 0.999)
	if retryAfter < 1 {
		retryAfter = 1
	}
	err := apperr.New(apperr.KindCircuitOpen,
		"%s temporarily unavailable; retry in %d seconds", b.name, retryAfter)
	err.RetryAfter = retryAfter
	return err
}

// Registry holds one breaker per provider, created on demand.
type Registry struct {
	config Config
	opts   []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying config and opts to every breaker.
func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the named provider, creating it if needed.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.config, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots returns the current state of every breaker in the registry.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.GetState()
	}
	return out
}
