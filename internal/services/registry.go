// Package services executes gated service:<tool> actions and routes
// every other privileged task a worker can raise. Handlers run on the
// host, outside the sandbox, strictly after the security gate allows.
package services

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// Handler executes one service action. The request's Data carries the
// tool arguments; the returned value becomes the response result.
type Handler func(ctx context.Context, req *wire.TaskRequest) (any, error)

// Registry maps service names to handlers. Registration happens at
// startup (built-ins plus config-declared MCP services); lookups are
// concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a service name, replacing any previous
// binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered service names, sorted.
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
