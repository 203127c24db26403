// Package orchestrator queues, dispatches and supervises tasks.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionHandler executes one unit of work. Input is the task's input
// data; the returned map becomes the task's output data.
type ActionHandler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry maps action names to handlers. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ActionHandler)}
}

// Register binds a handler to an action name. Re-registering a name is
// an error; handlers are process-wide wiring, not runtime state.
func (r *Registry) Register(name string, h ActionHandler) error {
	if name == "" {
		return fmt.Errorf("handler name is empty")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Resolve returns the handler for an action name.
func (r *Registry) Resolve(name string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
