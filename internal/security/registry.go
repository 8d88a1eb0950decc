package security

import "sync"

// Key identifies one worker invocation. Keying on the invocation
// timestamp rather than the bare folder leaves room for concurrent
// workers per workspace later.
type Key struct {
	Folder       string
	InvocationTS string
}

// Registry tracks the live gate for each worker invocation. The worker
// manager registers a gate at spawn and removes it on release; IPC task
// handlers look it up by workspace folder.
type Registry struct {
	mu    sync.Mutex
	gates map[Key]*Gate
}

func NewRegistry() *Registry {
	return &Registry{gates: make(map[Key]*Gate)}
}

func (r *Registry) Put(key Key, g *Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[key] = g
}

func (r *Registry) Get(key Key) (*Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[key]
	return g, ok
}

// Lookup returns the gate of the newest invocation for a folder.
// Invocation timestamps are ISO-8601, so the lexicographic maximum is
// the most recent.
func (r *Registry) Lookup(folder string) (*Gate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best   *Gate
		bestTS string
	)
	for k, g := range r.gates {
		if k.Folder != folder {
			continue
		}
		if best == nil || k.InvocationTS > bestTS {
			best, bestTS = g, k.InvocationTS
		}
	}
	return best, best != nil
}

func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gates, key)
}
