package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTier struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	deletes int
	failSet error
}

func newFakeTier() *fakeTier {
	return &fakeTier{entries: map[string][]byte{}}
}

func (f *fakeTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.entries[key]
	return data, ok, nil
}

func (f *fakeTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.entries[key] = value
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.entries, key)
	return nil
}

func testMetadata() persist.AssetMetadata {
	return persist.AssetMetadata{
		FileName: "report.pdf",
		FileType: "application/pdf",
		FileSize: 1024,
		Category: "documents",
	}
}

func TestMemoryHitSkipsPersistentTier(t *testing.T) {
	ctx := context.Background()
	tier := newFakeTier()
	c := NewMetadataCache(tier)

	c.PutMetadata(ctx, 7, testMetadata())

	for i := 0; i < 3; i++ {
		m, ok := c.GetMetadata(ctx, 7)
		require.True(t, ok)
		assert.Equal(t, "report.pdf", m.FileName)
	}
	assert.Zero(t, tier.gets, "memory hits must not reach the persistent tier")
}

func TestPersistentHitRepopulatesMemory(t *testing.T) {
	ctx := context.Background()
	tier := newFakeTier()
	c := NewMetadataCache(tier)

	c.PutMetadata(ctx, 9, testMetadata())
	c.memory.Clear()

	m, ok := c.GetMetadata(ctx, 9)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", m.FileName)
	assert.Equal(t, 1, tier.gets)

	// Repopulated, so the next read stays in memory.
	_, ok = c.GetMetadata(ctx, 9)
	require.True(t, ok)
	assert.Equal(t, 1, tier.gets)
}

func TestInvalidateRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	tier := newFakeTier()
	c := NewMetadataCache(tier)

	c.PutMetadata(ctx, 3, testMetadata())
	require.NoError(t, c.Invalidate(ctx, 3))

	_, ok := c.GetMetadata(ctx, 3)
	assert.False(t, ok)
	assert.Equal(t, 1, tier.deletes)
}

func TestPersistentWriteFailureStillServesFromMemory(t *testing.T) {
	ctx := context.Background()
	tier := newFakeTier()
	tier.failSet = errors.New("connection refused")
	c := NewMetadataCache(tier)

	c.PutMetadata(ctx, 5, testMetadata())

	m, ok := c.GetMetadata(ctx, 5)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", m.FileName)
}

func TestNilPersistentTierDegradesToMemoryOnly(t *testing.T) {
	ctx := context.Background()
	c := NewMetadataCache(nil)

	c.PutMetadata(ctx, 1, testMetadata())
	_, ok := c.GetMetadata(ctx, 1)
	assert.True(t, ok)
	require.NoError(t, c.Invalidate(ctx, 1))
	_, ok = c.GetMetadata(ctx, 1)
	assert.False(t, ok)
}

func TestRebuildAssetsCollapsesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	c := NewMetadataCache(nil)
	owner := persist.EthereumAddress("0xabc0000000000000000000000000000000000001")

	var calls int32
	var mu sync.Mutex
	release := make(chan struct{})

	fn := func(ctx context.Context) ([]persist.Asset, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return []persist.Asset{{TokenID: 1, Owner: owner}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assets, err := c.RebuildAssets(ctx, owner, fn)
			assert.NoError(t, err)
			assert.Len(t, assets, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls, "concurrent rebuilds for one owner share a single execution")

	cached, ok := c.GetAssets(owner)
	require.True(t, ok)
	assert.Len(t, cached, 1)
}
