// Package memstore provides an in-process TTL cache. Every in-memory cache in
// the application goes through this type so eviction policy lives in one place.
package memstore

import (
	"sync"
	"time"
)

type entry[T any] struct {
	data      T
	expiresAt time.Time
}

// Cache is a TTL-keyed map with whole-entry replacement. Expired entries are
// treated as absent on read and removed by a periodic sweep.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	ttl     time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache whose entries expire ttl after each Put. sweepEvery
// bounds how long expired entries can occupy memory; <= 0 disables the sweep
// goroutine (reads still never return expired entries).
func New[T any](ttl time.Duration, sweepEvery time.Duration) *Cache[T] {
	c := &Cache[T]{
		entries: map[string]entry[T]{},
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.data, true
}

// Put stores value under key, resetting its expiry.
func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.entries[key] = entry[T]{data: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key from the cache.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.entries = map[string]entry[T]{}
	c.mu.Unlock()
}

// Len returns the number of stored entries, including any expired entries the
// sweep hasn't collected yet.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep.
func (c *Cache[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[T]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
