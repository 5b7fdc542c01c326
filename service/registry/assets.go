package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	sentryutil "github.com/assetvault/go-assetvault/service/sentry"
	"github.com/assetvault/go-assetvault/util"
	"github.com/gammazero/workerpool"
)

// verifyWorkers bounds concurrent ownership verifications during a list
// rebuild.
const verifyWorkers = 8

// UserAssetsOptions controls listing behavior.
type UserAssetsOptions struct {
	// Page is 1-based; zero means the first page.
	Page int
	// PageSize of zero returns everything.
	PageSize int
	// ForceRefresh bypasses the list cache.
	ForceRefresh bool
}

// UserAssetsPage is one page of an owner's assets.
type UserAssetsPage struct {
	Assets   []persist.Asset `json:"assets"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// UserAssets lists every asset currently owned by the address. The candidate
// set is replayed from Transfer events, then each candidate's ownership is
// verified on-chain because historical receipt doesn't imply current custody.
func (r *Registry) UserAssets(ctx context.Context, owner persist.EthereumAddress, opts UserAssetsOptions) (UserAssetsPage, error) {
	if opts.ForceRefresh {
		r.cache.InvalidateAssets(owner)
	}

	assets, ok := r.cache.GetAssets(owner)
	if !ok {
		var err error
		assets, err = r.cache.RebuildAssets(ctx, owner, func(ctx context.Context) ([]persist.Asset, error) {
			return r.rebuildUserAssets(ctx, owner)
		})
		if err != nil {
			return UserAssetsPage{}, err
		}
	}

	return paginate(assets, opts), nil
}

func (r *Registry) rebuildUserAssets(ctx context.Context, owner persist.EthereumAddress) ([]persist.Asset, error) {
	to := owner.Address()
	logs, err := r.gateway.FilterTransfers(ctx, nil, &to)
	if err != nil {
		return nil, err
	}

	// Dedupe: a token transferred in and out and in again appears in several
	// logs but is one candidate.
	candidates := map[persist.TokenID]struct{}{}
	for _, lg := range logs {
		if len(lg.Topics) < 4 {
			continue
		}
		candidates[persist.TokenID(lg.Topics[3].Big().Uint64())] = struct{}{}
	}

	var mu sync.Mutex
	owned := make([]persist.Asset, 0, len(candidates))

	wp := workerpool.New(verifyWorkers)
	for tokenID := range candidates {
		tokenID := tokenID
		wp.Submit(func() {
			defer sentryutil.RecoverAndRaise(ctx)

			current, err := r.OwnerOf(ctx, tokenID)
			if err != nil {
				if !util.ErrorIs[persist.ErrAssetNotFound](err) {
					logger.For(ctx).Warnf("verifying owner of token %d: %s", tokenID, err)
				}
				return
			}
			if !current.Equals(owner) {
				return
			}
			asset, err := r.GetAssetPreview(ctx, tokenID)
			if err != nil {
				logger.For(ctx).Warnf("loading token %d: %s", tokenID, err)
				return
			}
			mu.Lock()
			owned = append(owned, asset)
			mu.Unlock()
		})
	}
	wp.StopWait()

	sort.Slice(owned, func(i, j int) bool { return owned[i].TokenID < owned[j].TokenID })
	return owned, nil
}

func paginate(assets []persist.Asset, opts UserAssetsOptions) UserAssetsPage {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	result := UserAssetsPage{Total: len(assets), Page: page, PageSize: size}
	if size <= 0 {
		result.Assets = assets
		return result
	}

	start := (page - 1) * size
	if start >= len(assets) {
		result.Assets = []persist.Asset{}
		return result
	}
	end := start + size
	if end > len(assets) {
		end = len(assets)
	}
	result.Assets = assets[start:end]
	return result
}

// BatchResult reports one job of a batch registration.
type BatchResult struct {
	Index  int             `json:"index"`
	Result *RegisterResult `json:"result,omitempty"`
	Err    error           `json:"-"`
	Error  string          `json:"error,omitempty"`
}

// BatchRegister runs multiple registrations concurrently. Jobs fail and
// succeed independently; results come back in input order.
func (r *Registry) BatchRegister(ctx context.Context, reqs []RegisterRequest, workers int) []BatchResult {
	if workers <= 0 {
		workers = 4
	}
	results := make([]BatchResult, len(reqs))

	wp := workerpool.New(workers)
	for i, req := range reqs {
		i, req := i, req
		wp.Submit(func() {
			defer sentryutil.RecoverAndRaise(ctx)

			res, err := r.RegisterAsset(ctx, req)
			if err != nil {
				results[i] = BatchResult{Index: i, Err: err, Error: err.Error()}
				return
			}
			results[i] = BatchResult{Index: i, Result: &res}
		})
	}
	wp.StopWait()
	return results
}
