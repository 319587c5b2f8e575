/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
)

// Handler executes one task and returns its output
type Handler interface {
	Name() string
	Execute(ctx context.Context, task global.Task) (string, error)
}

// HandlerFunc adapts a function to Handler under a fixed name
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, task global.Task) (string, error)
}

// Name returns the handler name
func (h HandlerFunc) Name() string {
	return h.HandlerName
}

// Execute calls Fn
func (h HandlerFunc) Execute(ctx context.Context, task global.Task) (string, error) {
	return h.Fn(ctx, task)
}

// Registry maps handler names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding handlers
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds or replaces a handler
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler with name
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted
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
