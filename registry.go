package relayq

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is the function signature for executing a task. It receives
// the positional and keyword arguments exactly as they were enqueued and
// returns a serializable result or an error. The context carries the
// per-attempt deadline; long-running handlers should honour it.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Handler is the descriptor stored per registered name.
type Handler struct {
	exec HandlerFunc
	// Description is shown by operational tooling (list-tasks).
	Description string
	// DeclaredTimeout, in seconds, is applied at enqueue when the producer
	// does not set one. Zero means no declaration.
	DeclaredTimeout int64
	// DeclaredMaxRetries is applied at enqueue when the producer does not
	// set one. Negative means no declaration.
	DeclaredMaxRetries int
}

// RegisterOption configures a handler descriptor at registration time.
type RegisterOption func(*Handler)

// WithDescription attaches a human-readable description to the handler.
func WithDescription(desc string) RegisterOption {
	return func(h *Handler) { h.Description = desc }
}

// WithDeclaredTimeout declares a default per-attempt timeout (seconds)
// for tasks of this name.
func WithDeclaredTimeout(seconds int64) RegisterOption {
	return func(h *Handler) { h.DeclaredTimeout = seconds }
}

// WithDeclaredMaxRetries declares a default retry cap for tasks of this name.
func WithDeclaredMaxRetries(n int) RegisterOption {
	return func(h *Handler) { h.DeclaredMaxRetries = n }
}

// Registry maps task names to handler descriptors. It must be populated
// identically by producer and worker processes at startup; lookups during
// dispatch are read-only and safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]*Handler
	middlewares []Middleware
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register binds a name to a handler. Handlers are not compared: any
// second registration of a name that is already bound returns
// ErrRegistryConflict, even when it passes the same handler.
func (r *Registry) Register(name string, fn HandlerFunc, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("relayq: empty task name")
	}
	if fn == nil {
		return fmt.Errorf("relayq: nil handler for task %q", name)
	}
	h := &Handler{exec: fn, DeclaredMaxRetries: -1}
	for _, opt := range opts {
		opt(h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrRegistryConflict, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register but panics on conflict. Intended for init-time wiring.
func (r *Registry) MustRegister(name string, fn HandlerFunc, opts ...RegisterOption) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

// Use adds middleware(s) to the registry. Middlewares are executed in the
// order they are added, wrapping every handler each time Handler.Exec runs.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Resolve returns the descriptor for name, or ErrUnknownTask.
func (r *Registry) Resolve(name string) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return h, nil
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description registered for name, if any.
func (r *Registry) Describe(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h.Description
	}
	return ""
}

// Exec runs the handler with the registry's middleware chain applied.
func (h *Handler) Exec(ctx context.Context, r *Registry, args []any, kwargs map[string]any) (any, error) {
	fn := h.exec
	r.mu.RLock()
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		fn = r.middlewares[i](fn)
	}
	r.mu.RUnlock()
	return fn(ctx, args, kwargs)
}
