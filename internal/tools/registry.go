// Package tools is the in-process tool handler registry. Handlers are
// registered explicitly at startup from a list, and every call is validated
// against the handler's schema before dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxParamsSize bounds tool argument payloads.
	MaxParamsSize = 10 << 20
)

// Result is a tool execution outcome. Handler failures the model should see
// ride back with IsError set rather than as Go errors.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Handler is one callable internal tool.
type Handler interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Func adapts a plain function into a Handler.
type Func struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, params json.RawMessage) (*Result, error)
}

// NewFunc builds a Handler from its parts.
func NewFunc(name, description string, schema json.RawMessage, fn func(ctx context.Context, params json.RawMessage) (*Result, error)) *Func {
	return &Func{name: name, description: description, schema: schema, fn: fn}
}

func (f *Func) Name() string            { return f.name }
func (f *Func) Description() string     { return f.description }
func (f *Func) Schema() json.RawMessage { return f.schema }
func (f *Func) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	return f.fn(ctx, params)
}

type entry struct {
	handler  Handler
	compiled *jsonschema.Schema
}

// Registry holds the handlers the orchestrator and workflow executor dispatch
// to. The set is fixed at construction.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds a registry from the given handlers. Duplicate names and
// uncompilable schemas are construction errors.
func NewRegistry(handlers []Handler, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(handlers)), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tools")

	for _, h := range handlers {
		name := h.Name()
		if name == "" {
			return nil, fmt.Errorf("tools: handler with empty name")
		}
		if _, exists := r.entries[name]; exists {
			return nil, fmt.Errorf("tools: duplicate handler %q", name)
		}
		e := &entry{handler: h}
		if schema := h.Schema(); len(schema) > 0 {
			compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
			if err != nil {
				return nil, fmt.Errorf("tools: compile schema for %q: %w", name, err)
			}
			e.compiled = compiled
		}
		r.entries[name] = e
	}
	r.logger.Info("tool registry built", "handlers", len(r.entries))
	return r, nil
}

// Get returns a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers returns all registered handlers, ordered by name.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := make([]Handler, 0, len(r.entries))
	for _, e := range r.entries {
		handlers = append(handlers, e.handler)
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Name() < handlers[j].Name() })
	return handlers
}

// Execute validates the arguments against the handler's schema and runs it.
// Unknown tools and invalid arguments come back as error results so the model
// can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(params) > MaxParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if e.compiled != nil {
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return &Result{Content: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}, nil
		}
		if err := e.compiled.Validate(decoded); err != nil {
			return &Result{Content: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}, nil
		}
	}
	return e.handler.Execute(ctx, params)
}
