// Package cache layers the in-memory and persistent cache tiers for asset
// metadata and derived asset lists.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/memstore"
	"github.com/assetvault/go-assetvault/service/persist"
	"golang.org/x/sync/singleflight"
)

const (
	// memoryTTL bounds staleness of the hot tier.
	memoryTTL = 5 * time.Minute
	// persistentTTL bounds staleness of the cold tier.
	persistentTTL = 24 * time.Hour
	// listTTL bounds staleness of per-owner asset lists, which change on every
	// registration or burn and so expire much faster than metadata.
	listTTL = time.Minute
)

// PersistentTier is the slow durable tier behind the in-memory cache.
type PersistentTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MetadataCache is a two-tier read-through cache for asset metadata. Memory
// hits never touch the persistent tier; persistent hits repopulate memory.
type MetadataCache struct {
	memory     *memstore.Cache[persist.AssetMetadata]
	lists      *memstore.Cache[[]persist.Asset]
	persistent PersistentTier
	group      singleflight.Group
}

// NewMetadataCache builds the cache over the given persistent tier. A nil
// tier degrades to memory-only operation.
func NewMetadataCache(persistent PersistentTier) *MetadataCache {
	return &MetadataCache{
		memory:     memstore.New[persist.AssetMetadata](memoryTTL, time.Minute),
		lists:      memstore.New[[]persist.Asset](listTTL, time.Minute),
		persistent: persistent,
	}
}

func metadataKey(tokenID persist.TokenID) string {
	return fmt.Sprintf("metadata:%d", tokenID)
}

// GetMetadata returns cached metadata for the token, consulting memory first
// and falling back to the persistent tier. A persistent hit repopulates the
// memory tier so the next read is served hot.
func (c *MetadataCache) GetMetadata(ctx context.Context, tokenID persist.TokenID) (persist.AssetMetadata, bool) {
	key := metadataKey(tokenID)
	if m, ok := c.memory.Get(key); ok {
		return m, true
	}
	if c.persistent == nil {
		return persist.AssetMetadata{}, false
	}
	data, ok, err := c.persistent.Get(ctx, key)
	if err != nil {
		logger.For(ctx).Warnf("persistent cache read failed for token %d: %s", tokenID, err)
		return persist.AssetMetadata{}, false
	}
	if !ok {
		return persist.AssetMetadata{}, false
	}
	var m persist.AssetMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		logger.For(ctx).Warnf("corrupt persistent cache entry for token %d: %s", tokenID, err)
		return persist.AssetMetadata{}, false
	}
	c.memory.Put(key, m)
	return m, true
}

// PutMetadata writes metadata to both tiers. A persistent-tier failure is
// logged but does not fail the write; the memory tier still serves it.
func (c *MetadataCache) PutMetadata(ctx context.Context, tokenID persist.TokenID, m persist.AssetMetadata) {
	key := metadataKey(tokenID)
	c.memory.Put(key, m)
	if c.persistent == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		logger.For(ctx).Warnf("marshalling metadata for token %d: %s", tokenID, err)
		return
	}
	if err := c.persistent.Set(ctx, key, data, persistentTTL); err != nil {
		logger.For(ctx).Warnf("persistent cache write failed for token %d: %s", tokenID, err)
	}
}

// Invalidate removes the token's metadata from both tiers. It returns only
// once both removals have been attempted, so a subsequent read cannot observe
// the stale entry from either tier.
func (c *MetadataCache) Invalidate(ctx context.Context, tokenID persist.TokenID) error {
	key := metadataKey(tokenID)
	c.memory.Delete(key)
	if c.persistent == nil {
		return nil
	}
	if err := c.persistent.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidating token %d: %w", tokenID, err)
	}
	return nil
}

// Clear empties the in-memory tiers. Persistent entries age out via TTL.
func (c *MetadataCache) Clear() {
	c.memory.Clear()
	c.lists.Clear()
}

// GetAssets returns the cached asset list for the owner.
func (c *MetadataCache) GetAssets(owner persist.EthereumAddress) ([]persist.Asset, bool) {
	return c.lists.Get(owner.String())
}

// PutAssets caches the owner's asset list.
func (c *MetadataCache) PutAssets(owner persist.EthereumAddress, assets []persist.Asset) {
	c.lists.Put(owner.String(), assets)
}

// InvalidateAssets drops the owner's cached asset list.
func (c *MetadataCache) InvalidateAssets(owner persist.EthereumAddress) {
	c.lists.Delete(owner.String())
}

// RebuildAssets runs fn to rebuild the owner's asset list, collapsing
// concurrent rebuilds for the same owner into a single execution.
func (c *MetadataCache) RebuildAssets(ctx context.Context, owner persist.EthereumAddress, fn func(ctx context.Context) ([]persist.Asset, error)) ([]persist.Asset, error) {
	v, err, _ := c.group.Do(owner.String(), func() (interface{}, error) {
		assets, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.lists.Put(owner.String(), assets)
		return assets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]persist.Asset), nil
}
