// Package registry tracks the Proxy and Location values currently
// reachable by the pipeline, for shutdown drain and the /stats endpoint.
//
// Go has no built-in weak set; per spec.md §9's Design Notes this is
// implemented as an identity-keyed map with explicit Add/Remove calls
// tied to a value's lifecycle in the pipeline (added on ingress, removed
// on persistence completion or on drop), rather than relying on GC
// finalizers to observe liveness.
package registry

import (
	"sync"

	"github.com/prxfinder/prxfinder/internal/proxyval"
)

// Proxies is the process-wide registry of in-flight Proxy values.
var Proxies = New[proxyval.Proxy]()

// Locations is the process-wide registry of in-flight Location values.
// No pipeline stage adds to it: the locator attaches a Location to its
// Proxy without registering it, so Locations.Len (the /stats
// "Location" count) stays 0.
var Locations = New[proxyval.Location]()

// Registry is a concurrency-safe identity set keyed by pointer value.
// Adding is O(1); Snapshot returns the current set of live entries.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[*T]struct{}
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[*T]struct{})}
}

// Add registers v as reachable. Idempotent.
func (r *Registry[T]) Add(v *T) {
	if v == nil {
		return
	}
	r.mu.Lock()
	r.entries[v] = struct{}{}
	r.mu.Unlock()
}

// Remove unregisters v. It is not an error to remove a value that was
// never added or was already removed.
func (r *Registry[T]) Remove(v *T) {
	if v == nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, v)
	r.mu.Unlock()
}

// Snapshot returns every value currently registered. The returned slice
// is a point-in-time copy; removing registry membership does not affect
// values already captured in a prior snapshot, and the registry itself
// does not extend any value's lifetime beyond the caller's own
// references.
func (r *Registry[T]) Snapshot() []*T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*T, 0, len(r.entries))
	for v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Len reports the number of currently registered values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
