package handlers

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"example.com/testserver"
	"example.com/testserver/internal/handlers/echo"
	"example.com/testserver/internal/handlers/static"
	"example.com/testserver/internal/logger"
)

// Factory creates a handler from its opaque handler_config.
type Factory func(handlerConfig json.RawMessage, lg *logger.Logger) (testserver.Handler, error)

// Registry maps handler_type names from configuration to their factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with the built-in "Static" and
// "Echo" handler types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// The names are distinct, so registration cannot fail.
	_ = r.Register(static.HandlerType, static.New)
	_ = r.Register(echo.HandlerType, echo.New)
	return r
}

// Register associates handlerType with factory. Registering a type twice is
// an error.
func (r *Registry) Register(handlerType string, factory Factory) error {
	if handlerType == "" {
		return fmt.Errorf("handler type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// Factory returns the factory registered for handlerType.
func (r *Registry) Factory(handlerType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[handlerType]
	return f, ok
}

// Types lists the registered handler types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds a handler of the given type.
func (r *Registry) Create(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (testserver.Handler, error) {
	factory, ok := r.Factory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s' (known: %v)", handlerType, r.Types())
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	h, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", handlerType, err)
	}
	return h, nil
}
