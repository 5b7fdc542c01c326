package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteUsesFirstStrategyWhenSupported(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[1] = &assetRecord{owner: signerAddr.Address()}

	txHash, err := f.registry.DeleteAsset(ctx, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
	assert.Equal(t, []string{"burnAsset"}, f.gateway.submitted)
	assert.Len(t, f.signer.signedWith, 1)
}

func TestDeleteFallsThroughRevertingStrategies(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[1] = &assetRecord{owner: signerAddr.Address()}
	f.gateway.failMethods["burnAsset"] = revertErr("burnAsset disabled")
	f.gateway.failMethods["safeTransferFrom"] = rpc.Error{Kind: rpc.KindUnpredictableGas, Err: errors.New("cannot estimate gas")}

	txHash, err := f.registry.DeleteAsset(ctx, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
	assert.Equal(t, []string{"burn"}, f.gateway.submitted)
}

func TestDeleteStopsOnNonStrategyFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[1] = &assetRecord{owner: signerAddr.Address()}
	f.gateway.failMethods["burnAsset"] = rpc.Error{Kind: rpc.KindInsufficientFunds, Err: errors.New("insufficient funds")}

	_, err := f.registry.DeleteAsset(ctx, 1)
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, string(rpc.KindInsufficientFunds), pipelineErr.Kind)
	assert.Empty(t, f.gateway.submitted, "an account-level failure must not cascade through every strategy")
}

func TestDeleteRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[1] = &assetRecord{owner: common.HexToAddress("0xdd")}

	_, err := f.registry.DeleteAsset(ctx, 1)
	var notOwner persist.ErrNotOwner
	require.ErrorAs(t, err, &notOwner)
	assert.Empty(t, f.gateway.submitted)
}

func TestDeleteUnknownToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.registry.DeleteAsset(ctx, 99)
	var notFound persist.ErrAssetNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteInvalidatesCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	owner := signerAddr
	f.gateway.assets[1] = &assetRecord{owner: owner.Address()}
	f.registry.cache.PutMetadata(ctx, 1, persist.AssetMetadata{FileName: "gone.png"})
	f.registry.cache.PutAssets(owner, []persist.Asset{{TokenID: 1, Owner: owner}})

	_, err := f.registry.DeleteAsset(ctx, 1)
	require.NoError(t, err)

	_, ok := f.registry.cache.GetMetadata(ctx, 1)
	assert.False(t, ok)
	_, ok = f.registry.cache.GetAssets(owner)
	assert.False(t, ok)
}
