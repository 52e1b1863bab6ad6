// Package cache provides the write-through entity caches that sit in front
// of the persistence collaborator, plus the bounded retry combinator for
// optimistic-lock conflict recovery.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/repo"
)

// Entity is a write-through cache per entity type. A cached read always
// reflects the latest committed write from this process; conflict recovery
// evicts explicitly via Invalidate.
type Entity[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func NewEntity[T any]() *Entity[T] {
	return &Entity[T]{entries: make(map[string]T)}
}

func (c *Entity[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Put records a committed write.
func (c *Entity[T]) Put(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = v
}

// Invalidate drops the entry so the next read goes back to persistence. Used
// after an optimistic-lock conflict.
func (c *Entity[T]) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// GetOrLoad returns the cached entity or loads and caches it.
func (c *Entity[T]) GetOrLoad(ctx context.Context, id string, load func(ctx context.Context, id string) (T, error)) (T, error) {
	if v, ok := c.Get(id); ok {
		return v, nil
	}
	v, err := load(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(id, v)
	return v, nil
}

// MaxWriteAttempts bounds the read-modify-write retry loop: the first
// attempt plus exactly one retry after a conflict.
const MaxWriteAttempts = 2

// WithOptimisticRetry runs the whole read-modify-write in fn. On a conflict
// it calls evict and retries; after MaxWriteAttempts consecutive conflicts
// the caller gets a "try again later" coded error, never an unbounded loop.
func WithOptimisticRetry(evict func(), fn func() error) error {
	var err error
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, repo.ErrConflict) {
			return err
		}
		if evict != nil {
			evict()
		}
	}
	return domain.Wrap("LOOM-2001", domain.KindOptimisticConflict, err,
		"concurrent update won after %d attempts, try again later", MaxWriteAttempts)
}
