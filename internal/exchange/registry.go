package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the configured adapters keyed by exchange id and tracks
// which of them have been halted by an authentication failure. Routing to a
// halted adapter fails until credentials are refreshed and ResetAuth is
// called.
type Registry struct {
	mu         sync.RWMutex
	adapters   map[string]Adapter
	authFailed map[string]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:   make(map[string]Adapter),
		authFailed: make(map[string]time.Time),
	}
}

// Register adds an adapter under the given exchange id.
func (r *Registry) Register(id string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[id] = a
}

// Get returns the adapter for the exchange id, or an error when the id is
// unknown or the adapter is halted.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", id)
	}
	if failedAt, halted := r.authFailed[id]; halted {
		return nil, fmt.Errorf("%w: %s halted after auth failure at %s",
			ErrAdapterUnavailable, id, failedAt.Format(time.RFC3339))
	}
	return a, nil
}

// MarkAuthFailed halts routing to the exchange.
func (r *Registry) MarkAuthFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authFailed[id] = time.Now()
}

// ResetAuth re-enables a halted exchange after credentials were refreshed.
func (r *Registry) ResetAuth(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.authFailed, id)
}

// Halted reports whether the exchange is currently halted.
func (r *Registry) Halted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, halted := r.authFailed[id]
	return halted
}

// Names returns the registered exchange ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
