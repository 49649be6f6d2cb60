// Package executor implements the worker side of the engine: it
// consumes dispatch envelopes, claims tasks through the store, runs the
// matching handler under a deadline, and reports results. Executors are
// stateless; every authoritative transition goes through the store.
package executor

import (
	"context"
	"sync"

	"github.com/c360studio/dagflow/workflow"
)

// Handler executes one kind of task. Implementations must be safe for
// concurrent use.
type Handler interface {
	// Type is the executor type this handler serves.
	Type() string

	// Execute runs the task and returns its output data. A returned
	// *workflow.TaskError keeps its type in the reported result; any
	// other error is classified by the executor.
	Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error)
}

// Acceptor optionally widens a handler beyond its declared type.
// The registry falls back to the first accepting handler when no exact
// type match exists. Parameters let a handler refuse work whose shape
// it cannot serve.
type Acceptor interface {
	Accepts(executorType string, parameters map[string]any) bool
}

// Registry maps executor types to handlers.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same type twice replaces the
// earlier handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; !exists {
		r.order = append(r.order, h.Type())
	}
	r.handlers[h.Type()] = h
}

// Lookup resolves a handler for a task: exact type match first, then
// the first registered handler whose Accepts covers the type and
// parameters.
func (r *Registry) Lookup(executorType string, parameters map[string]any) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[executorType]; ok {
		return h, true
	}
	for _, t := range r.order {
		if a, ok := r.handlers[t].(Acceptor); ok && a.Accepts(executorType, parameters) {
			return r.handlers[t], true
		}
	}
	return nil, false
}

// Types lists the registered executor types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
