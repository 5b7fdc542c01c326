// Package redis is the persistent cache tier. Entries carry a native TTL and
// are additionally tracked in a sorted-set expiry index so a periodic sweep can
// reclaim index space and report evictions.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/go-redis/redis/v8"
)

const (
	// sweepEvery paces the background expiry-index sweep.
	sweepEvery = time.Minute
	// sweepTimeout bounds one sweep round trip.
	sweepTimeout = 10 * time.Second
)

// Cache is a namespaced view over a shared redis client. Keys written through
// one namespace are invisible to others.
type Cache struct {
	client    *redis.Client
	namespace string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache connects to the configured redis instance and returns a cache
// scoped to the given namespace.
func NewCache(namespace string) *Cache {
	opts, err := redis.ParseURL(env.GetString("REDIS_URL"))
	if err != nil {
		panic(fmt.Errorf("invalid REDIS_URL: %w", err))
	}
	return NewCacheWithClient(redis.NewClient(opts), namespace)
}

// NewCacheWithClient returns a namespaced cache over an existing client. The
// cache sweeps its expiry index in the background until Close.
func NewCacheWithClient(client *redis.Client, namespace string) *Cache {
	c := &Cache{client: client, namespace: namespace, stop: make(chan struct{})}
	go c.sweepLoop()
	return c
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if _, err := c.Sweep(ctx); err != nil {
				logger.For(ctx).Warnf("expiry sweep of %s failed: %s", c.namespace, err)
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) key(key string) string {
	return c.namespace + ":" + key
}

func (c *Cache) expiryIndex() string {
	return c.namespace + ":expiry-index"
}

// Set stores value under key with the given TTL and records the key in the
// expiry index.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	namespaced := c.key(key)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, namespaced, value, ttl)
	pipe.ZAdd(ctx, c.expiryIndex(), &redis.Z{
		Score:  float64(time.Now().Add(ttl).Unix()),
		Member: namespaced,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting %s: %w", namespaced, err)
	}
	return nil
}

// Get returns the value stored under key. A missing or expired key returns
// ok=false with no error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", c.key(key), err)
	}
	return data, true, nil
}

// Delete removes key and its expiry-index entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	namespaced := c.key(key)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, namespaced)
	pipe.ZRem(ctx, c.expiryIndex(), namespaced)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting %s: %w", namespaced, err)
	}
	return nil
}

// Sweep removes expiry-index entries whose deadline has passed. The values
// themselves expire via their native TTL; the sweep keeps the index from
// growing without bound. It returns how many index entries were removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	max := fmt.Sprintf("%d", time.Now().Unix())
	removed, err := c.client.ZRemRangeByScore(ctx, c.expiryIndex(), "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", c.expiryIndex(), err)
	}
	if removed > 0 {
		logger.For(ctx).Debugf("swept %d expired entries from %s", removed, c.namespace)
	}
	return removed, nil
}

// Close stops the background sweep and closes the underlying client. Safe to
// call more than once.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.client.Close()
}
