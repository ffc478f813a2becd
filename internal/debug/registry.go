package debug

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/softdebug/internal/debug/sdb"
)

type registryKey struct {
	handle sdb.Handle
	kind   Kind
}

func (k registryKey) String() string {
	return fmt.Sprintf("%d/%d", int64(k.handle), k.kind)
}

// registry maps (handle, kind) to the one live mirror for it.
type registry struct {
	mu      sync.RWMutex
	mirrors map[registryKey]Mirror
	// evictions counts evicts per key so a construction that overlaps an
	// evict does not register a mirror for the dead entity.
	evictions map[registryKey]uint64
	flight    singleflight.Group
}

func newRegistry() *registry {
	return &registry{
		mirrors:   make(map[registryKey]Mirror),
		evictions: make(map[registryKey]uint64),
	}
}

// getOrCreate returns the mirror for (h, kind), constructing it with factory
// on first use. Concurrent callers for the same key receive the same
// instance and factory runs at most once per key.
func (r *registry) getOrCreate(h sdb.Handle, kind Kind, factory func() Mirror) Mirror {
	key := registryKey{handle: h, kind: kind}

	if m, ok := r.lookup(key); ok {
		return m
	}

	v, _, _ := r.flight.Do(key.String(), func() (any, error) {
		// A flight that finished just before this one may have stored it.
		r.mu.RLock()
		m, ok := r.mirrors[key]
		epoch := r.evictions[key]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}

		m = factory()

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.evictions[key] != epoch {
			// Evicted while building: hand the mirror out unregistered.
			return m, nil
		}
		if existing, ok := r.mirrors[key]; ok {
			return existing, nil
		}
		r.mirrors[key] = m
		return m, nil
	})
	return v.(Mirror)
}

func (r *registry) lookup(key registryKey) (Mirror, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mirrors[key]
	return m, ok
}

// get returns the mirror for (h, kind) if one exists.
func (r *registry) get(h sdb.Handle, kind Kind) (Mirror, bool) {
	return r.lookup(registryKey{handle: h, kind: kind})
}

// evict forgets the mirror for (h, kind). The next lookup builds a fresh
// one, which is what a recycled handle needs.
func (r *registry) evict(h sdb.Handle, kind Kind) {
	key := registryKey{handle: h, kind: kind}

	r.mu.Lock()
	delete(r.mirrors, key)
	r.evictions[key]++
	r.mu.Unlock()

	r.flight.Forget(key.String())
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mirrors)
}

// mirrorOf is getOrCreate with the concrete type restored.
func mirrorOf[T Mirror](r *registry, h sdb.Handle, kind Kind, factory func() T) T {
	return r.getOrCreate(h, kind, func() Mirror { return factory() }).(T)
}
