package registry

import (
	"context"
	"math/big"
	"testing"

	"github.com/assetvault/go-assetvault/contracts"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listOwner = persist.EthereumAddress("0x00000000000000000000000000000000000000ee")

func transferLog(from, to persist.EthereumAddress, tokenID int64) types.Log {
	return types.Log{
		Topics: []common.Hash{
			contracts.TransferTopic,
			common.BytesToHash(from.Address().Bytes()),
			common.BytesToHash(to.Address().Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func ownedBy(owner persist.EthereumAddress) *assetRecord {
	return &assetRecord{cid: "QmOwned", owner: owner.Address(), version: 1}
}

func TestUserAssetsVerifiesCurrentOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// Token 1 still held; token 2 was transferred away after receipt.
	f.gateway.logs = []types.Log{
		transferLog(persist.ZeroAddress, listOwner, 1),
		transferLog(persist.ZeroAddress, listOwner, 2),
	}
	f.gateway.assets[1] = ownedBy(listOwner)
	f.gateway.assets[2] = ownedBy("0x00000000000000000000000000000000000000ff")

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, persist.TokenID(1), page.Assets[0].TokenID)
	assert.Equal(t, 1, page.Total)
}

func TestUserAssetsDedupesRepeatedTransfers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	// Token 1 came in, left and came back: three logs, one asset.
	other := persist.EthereumAddress("0x00000000000000000000000000000000000000ff")
	f.gateway.logs = []types.Log{
		transferLog(persist.ZeroAddress, listOwner, 1),
		transferLog(listOwner, other, 1),
		transferLog(other, listOwner, 1),
	}
	f.gateway.assets[1] = ownedBy(listOwner)

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Assets, 1)
}

func TestUserAssetsSkipsBurnedTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.gateway.logs = []types.Log{
		transferLog(persist.ZeroAddress, listOwner, 1),
		transferLog(persist.ZeroAddress, listOwner, 2),
	}
	// Token 2 no longer exists on chain.
	f.gateway.assets[1] = ownedBy(listOwner)

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, persist.TokenID(1), page.Assets[0].TokenID)
}

func TestUserAssetsPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for i := int64(1); i <= 5; i++ {
		f.gateway.logs = append(f.gateway.logs, transferLog(persist.ZeroAddress, listOwner, i))
		f.gateway.assets[persist.TokenID(i)] = ownedBy(listOwner)
	}

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Assets, 2)
	assert.Equal(t, persist.TokenID(3), page.Assets[0].TokenID)
	assert.Equal(t, persist.TokenID(4), page.Assets[1].TokenID)
	assert.Equal(t, 5, page.Total)

	last, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, last.Assets, 1)

	beyond, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{Page: 9, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond.Assets)
	assert.Equal(t, 5, beyond.Total)
}

func TestUserAssetsServedFromListCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.registry.cache.PutAssets(listOwner, []persist.Asset{{TokenID: 8, Owner: listOwner}})

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, persist.TokenID(8), page.Assets[0].TokenID)
}

func TestUserAssetsForceRefreshBypassesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.registry.cache.PutAssets(listOwner, []persist.Asset{{TokenID: 8, Owner: listOwner}})

	f.gateway.logs = []types.Log{transferLog(persist.ZeroAddress, listOwner, 1)}
	f.gateway.assets[1] = ownedBy(listOwner)

	page, err := f.registry.UserAssets(ctx, listOwner, UserAssetsOptions{ForceRefresh: true})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, persist.TokenID(1), page.Assets[0].TokenID)
}

func TestBatchRegisterIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetRegistered"] = map[string]interface{}{"tokenId": big.NewInt(1)}

	good := validRequest()
	bad := validRequest()
	bad.Metadata.FileType = "application/x-msdownload"
	other := validRequest()
	other.Content = []byte("different image bytes")

	results := f.registry.BatchRegister(ctx, []RegisterRequest{good, bad, other}, 2)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Result)
	assert.Nil(t, results[1].Result)
	assert.Error(t, results[1].Err)
	assert.NotNil(t, results[2].Result)
}
