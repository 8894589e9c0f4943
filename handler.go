package rungo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/rungo/document"
)

// Handler loads externally stored values. A resource names the asset and the
// handler spec; each datum contributes the kwargs selecting one value within
// the asset (a frame number, a dataset path).
//
// Handlers are domain code supplied by the caller; the catalog only routes
// to them.
type Handler interface {
	Load(ctx context.Context, resource document.Resource, datumKwargs map[string]any) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, resource document.Resource, datumKwargs map[string]any) (any, error)

// Load implements Handler.
func (f HandlerFunc) Load(ctx context.Context, resource document.Resource, datumKwargs map[string]any) (any, error) {
	return f(ctx, resource, datumKwargs)
}

// HandlerRegistry maps resource spec names to handlers. Registration is
// validated eagerly so a miswired registry fails at setup, not at the first
// datum load. Safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a spec name. Blank specs, nil handlers and
// duplicate registrations are rejected with ErrMisconfigured.
func (r *HandlerRegistry) Register(spec string, h Handler) error {
	if spec == "" {
		return fmt.Errorf("%w: handler spec must not be blank", ErrMisconfigured)
	}
	if h == nil {
		return fmt.Errorf("%w: handler for spec %q is nil", ErrMisconfigured, spec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[spec]; ok {
		return fmt.Errorf("%w: spec %q is already registered", ErrMisconfigured, spec)
	}
	r.handlers[spec] = h
	return nil
}

// Get returns the handler for a spec name.
func (r *HandlerRegistry) Get(spec string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[spec]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for spec %q", ErrNotFound, spec)
	}
	return h, nil
}

// Specs returns the registered spec names, sorted.
func (r *HandlerRegistry) Specs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]string, 0, len(r.handlers))
	for spec := range r.handlers {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs
}
