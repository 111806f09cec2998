// Package cache holds the read-result cache of one unit-of-work context.
//
// Reads may be memoized while no modification is in flight. Write paths
// disable the cache for their duration and reset it afterwards so that no
// result read before or during a modification is served after it.
package cache

import (
	"context"

	"github.com/gaborage/go-bricks-txn/cache/internal/tracking"
)

// ReadCache memoizes read results for a single unit-of-work context. It is
// not safe for concurrent use.
type ReadCache struct {
	name     string
	entries  map[string][]byte
	disabled bool
}

// New creates an enabled, empty cache. name labels its metrics.
func New(name string) *ReadCache {
	return &ReadCache{name: name, entries: make(map[string][]byte)}
}

// Enabled reports whether lookups and stores are currently honored.
func (c *ReadCache) Enabled() bool {
	return !c.disabled
}

// Disable turns the cache off and drops its contents. Lookups miss and
// stores are ignored until Reset.
func (c *ReadCache) Disable() {
	c.disabled = true
	clear(c.entries)
}

// Reset clears the cache and re-enables it.
func (c *ReadCache) Reset() {
	c.disabled = false
	clear(c.entries)
}

// Len returns the number of cached entries.
func (c *ReadCache) Len() int {
	return len(c.entries)
}

// Get returns the value cached under key. The boolean is false on a miss and
// whenever the cache is disabled.
func Get[T any](ctx context.Context, c *ReadCache, key string) (T, bool, error) {
	var zero T
	if c.disabled {
		tracking.RecordLookup(ctx, c.name, false)
		return zero, false, nil
	}
	data, ok := c.entries[key]
	tracking.RecordLookup(ctx, c.name, ok)
	if !ok {
		return zero, false, nil
	}
	v, err := decode[T](data)
	if err != nil {
		delete(c.entries, key)
		return zero, false, err
	}
	return v, true, nil
}

// Set caches v under key. It is a no-op while the cache is disabled.
func Set[T any](ctx context.Context, c *ReadCache, key string, v T) error {
	if c.disabled {
		return nil
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	c.entries[key] = data
	tracking.RecordStore(ctx, c.name, len(data))
	return nil
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Load errors are returned and nothing is cached.
func GetOrLoad[T any](ctx context.Context, c *ReadCache, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok, err := Get[T](ctx, c, key); err == nil && ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if err := Set(ctx, c, key, v); err != nil {
		return v, err
	}
	return v, nil
}
