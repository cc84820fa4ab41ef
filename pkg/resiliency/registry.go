package resiliency

import (
	"sort"
	"sync"
)

// Registry lazily creates one breaker per key. The bus keys breakers by
// channel and subscriber so a failing consumer only trips its own circuit.
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	breakers map[string]*CircuitBreaker
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Key joins a channel and a subscriber id into a registry key.
func Key(channel, subscriber string) string {
	return channel + "#" + subscriber
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, r.opts)
	r.breakers[key] = cb
	return cb
}

// Remove forgets the breaker for key. Used when a subscription goes away.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
