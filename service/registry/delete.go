package registry

import (
	"context"
	"errors"
	"math/big"

	"github.com/assetvault/go-assetvault/contracts"
	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/rpc"
	"github.com/ethereum/go-ethereum/core/types"
)

// burnStrategies are tried in order until one lands. Older deployments lack
// the dedicated burn methods, so transfers to the zero address stand in.
var burnStrategies = []string{"burnAsset", "safeTransferFrom", "burn", "transferFrom"}

// DeleteAsset removes the token from circulation and drops its cache entries.
// It returns the transaction hash of the strategy that succeeded.
func (r *Registry) DeleteAsset(ctx context.Context, tokenID persist.TokenID) (string, error) {
	owner, err := r.OwnerOf(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if !owner.Equals(r.signer.Address()) {
		return "", stageErr(StageValidating, persist.ErrNotOwner{TokenID: tokenID, Owner: owner, Caller: r.signer.Address()})
	}

	var lastErr error
	for _, strategy := range burnStrategies {
		if !contracts.HasMethod(strategy) {
			continue
		}
		receipt, err := r.tryBurnStrategy(ctx, strategy, tokenID, owner)
		if err != nil {
			if burnStrategyExhausted(err) {
				logger.For(ctx).Infof("burn strategy %s unsupported for token %d, trying next: %s", strategy, tokenID, err)
				lastErr = err
				continue
			}
			return "", err
		}

		logger.For(ctx).Infof("burned token %d via %s in tx %s", tokenID, strategy, receipt.TxHash)
		if err := r.cache.Invalidate(ctx, tokenID); err != nil {
			logger.For(ctx).Warnf("invalidating burned token %d: %s", tokenID, err)
		}
		r.cache.InvalidateAssets(owner)
		return receipt.TxHash.Hex(), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no burn strategy available")
	}
	return "", stageErr(StageSubmitting, lastErr)
}

func (r *Registry) tryBurnStrategy(ctx context.Context, strategy string, tokenID persist.TokenID, owner persist.EthereumAddress) (*types.Receipt, error) {
	id := new(big.Int).SetUint64(uint64(tokenID))
	switch strategy {
	case "burnAsset":
		return r.submitSigned(ctx, strategy, StageSigning, func(ctx context.Context, nonce *big.Int) ([]interface{}, error) {
			sig, err := r.signer.SignBurn(ctx, tokenID, nonce)
			if err != nil {
				return nil, err
			}
			return []interface{}{id, sig}, nil
		})
	case "safeTransferFrom", "transferFrom":
		return r.submitPlain(ctx, strategy, owner.Address(), persist.ZeroAddress.Address(), id)
	case "burn":
		return r.submitPlain(ctx, strategy, id)
	default:
		return nil, errors.New("unknown burn strategy " + strategy)
	}
}

// submitPlain submits a method that needs no typed-data signature, still
// serialized through the account queue.
func (r *Registry) submitPlain(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := r.queue.Do(ctx, r.signer.Address(), func(ctx context.Context) error {
		txHash, err := r.gateway.Submit(ctx, method, args...)
		if err != nil {
			return stageErr(StageSubmitting, err)
		}
		receipt, err = r.gateway.Confirm(ctx, txHash)
		if err != nil {
			return stageErr(StageConfirming, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// burnStrategyExhausted reports whether the failure means this particular
// strategy cannot work, as opposed to a failure that would affect any of them.
func burnStrategyExhausted(err error) bool {
	var chainErr rpc.Error
	if !errors.As(err, &chainErr) {
		return false
	}
	return chainErr.Kind.IsRevert() || chainErr.Kind == rpc.KindUnpredictableGas
}
