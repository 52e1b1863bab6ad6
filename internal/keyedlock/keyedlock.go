// Package keyedlock serializes all in-process mutation of one logical entity
// id. Cross-instance exclusion is the job of the persistence layer's
// optimistic version column, not this package.
package keyedlock

import (
	"fmt"
	"sync"
	"time"
)

const defaultMaxEntries = 4096

// Registry maps entity ids to lazily created read/write locks. Construct one
// per dependency graph; it is not a process-wide singleton so tests can use
// isolated instances.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
}

type entry struct {
	rw       sync.RWMutex
	refs     int
	lastUsed time.Time
}

// Handle represents a held write lock. Nested helpers that would re-acquire
// the same id take the handle instead of the registry, which keeps the
// acquisition reentrant without deadlocking.
type Handle struct {
	reg      *Registry
	id       string
	e        *entry
	depth    int
	released bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		maxEntries: defaultMaxEntries,
	}
}

func NewRegistryWithCap(maxEntries int) *Registry {
	r := NewRegistry()
	if maxEntries > 0 {
		r.maxEntries = maxEntries
	}
	return r
}

// Lock blocks until the write lock for id is held and returns its handle.
func (r *Registry) Lock(id string) *Handle {
	e := r.checkout(id)
	e.rw.Lock()
	return &Handle{reg: r, id: id, e: e, depth: 1}
}

// WithLock runs fn while holding the write lock for id.
func (r *Registry) WithLock(id string, fn func(h *Handle) error) error {
	h := r.Lock(id)
	defer h.Release()
	return fn(h)
}

// WithReadLock runs fn while holding the read lock for id. Read-mostly paths
// use this to observe a consistent entity without blocking each other.
func (r *Registry) WithReadLock(id string, fn func() error) error {
	e := r.checkout(id)
	e.rw.RLock()
	defer func() {
		e.rw.RUnlock()
		r.checkin(id)
	}()
	return fn()
}

// Reacquire runs fn under the write lock for id. When held already covers
// that id the existing handle is reused (reentrant); otherwise a fresh lock
// is taken. Pass nil when no lock is held.
func (r *Registry) Reacquire(held *Handle, id string, fn func(h *Handle) error) error {
	if held != nil && !held.released && held.id == id {
		held.depth++
		defer func() { held.depth-- }()
		return fn(held)
	}
	return r.WithLock(id, fn)
}

// ID returns the entity id the handle guards.
func (h *Handle) ID() string { return h.id }

// Release unlocks the handle. Releasing twice is a programming error.
func (h *Handle) Release() {
	if h.released {
		panic(fmt.Sprintf("keyedlock: double release of %q", h.id))
	}
	if h.depth > 1 {
		panic(fmt.Sprintf("keyedlock: release of %q while nested helpers hold it", h.id))
	}
	h.released = true
	h.e.rw.Unlock()
	h.reg.checkin(h.id)
}

// MustBeHeld asserts the write lock is still held. Mutating an entity without
// its lock is a programming error and fails fast rather than silently racing.
func (h *Handle) MustBeHeld(id string) {
	if h == nil || h.released || h.id != id {
		panic(fmt.Sprintf("keyedlock: write lock for %q is not held", id))
	}
}

func (r *Registry) checkout(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		if len(r.entries) >= r.maxEntries {
			r.evictIdle()
		}
		e = &entry{}
		r.entries[id] = e
	}
	e.refs++
	e.lastUsed = time.Now()
	return e
}

func (r *Registry) checkin(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.refs--
		e.lastUsed = time.Now()
	}
}

// evictIdle drops the least recently used entry with no holders. Called with
// r.mu held.
func (r *Registry) evictIdle() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, e := range r.entries {
		if e.refs > 0 {
			continue
		}
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID != "" {
		delete(r.entries, oldestID)
	}
}

// Len reports the number of live lock entries, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
