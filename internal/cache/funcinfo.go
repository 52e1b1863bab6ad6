package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loom-labs/loom-go/internal/domain"
)

// FunctionInfo caches the registered function set with a TTL. A stale read
// serves the cached value and kicks off at most one background refresh; the
// singleflight group collapses concurrent refresh attempts.
type FunctionInfo struct {
	ttl  time.Duration
	load func(ctx context.Context) (map[string]domain.Function, error)

	group singleflight.Group

	mu        sync.RWMutex
	functions map[string]domain.Function
	loadedAt  time.Time
}

func NewFunctionInfo(ttl time.Duration, load func(ctx context.Context) (map[string]domain.Function, error)) *FunctionInfo {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &FunctionInfo{ttl: ttl, load: load}
}

// Get returns the function map. A cold cache blocks on the first load; a
// stale cache returns the old value and refreshes in the background.
func (c *FunctionInfo) Get(ctx context.Context) (map[string]domain.Function, error) {
	c.mu.RLock()
	functions := c.functions
	fresh := functions != nil && time.Since(c.loadedAt) < c.ttl
	c.mu.RUnlock()

	if fresh {
		return functions, nil
	}
	if functions != nil {
		go func() {
			_, _, _ = c.group.Do("refresh", func() (any, error) {
				return nil, c.refresh(context.WithoutCancel(ctx))
			})
		}()
		return functions, nil
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.functions, nil
}

// Invalidate forces the next Get to reload.
func (c *FunctionInfo) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions = nil
	c.loadedAt = time.Time{}
}

func (c *FunctionInfo) refresh(ctx context.Context) error {
	// Re-check under the group: a queued caller may arrive after the
	// previous refresh already completed.
	c.mu.RLock()
	fresh := c.functions != nil && time.Since(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	functions, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.functions = functions
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}
