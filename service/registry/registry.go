// Package registry orchestrates the asset registration pipeline: validation,
// content hashing, upload, signing, submission and confirmation, with progress
// reporting and cache maintenance along the way.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/assetvault/go-assetvault/contracts"
	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/cache"
	"github.com/assetvault/go-assetvault/service/ipfs"
	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/progress"
	"github.com/assetvault/go-assetvault/service/rpc"
	"github.com/assetvault/go-assetvault/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Stage identifies where in the pipeline an operation currently is, or where
// it failed.
type Stage string

const (
	StageValidating Stage = "validating"
	StageHashing    Stage = "hashing"
	StageUploading  Stage = "uploading"
	StageSigning    Stage = "signing"
	StageSubmitting Stage = "submitting"
	StageConfirming Stage = "confirming"
	StageDone       Stage = "done"
)

// Progress checkpoints for the registration pipeline. Chunk uploads fill the
// window between uploadStartPct and confirmPct.
const (
	validatedPct   = 5
	hashedPct      = 10
	uploadStartPct = 15
	uploadEndPct   = 90
	donePct        = progress.Complete
)

// submitAttempts bounds nonce-refresh retries on submission.
const submitAttempts = 3

// Error is a pipeline failure tagged with the stage it happened in and, for
// chain failures, the classified kind.
type Error struct {
	Stage Stage
	Kind  string
	Err   error
}

func (e Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	var chainErr rpc.Error
	if errors.As(err, &chainErr) {
		return Error{Stage: stage, Kind: string(chainErr.Kind), Err: err}
	}
	return Error{Stage: stage, Err: err}
}

// ContentStore stores and resolves asset content.
type ContentStore interface {
	Upload(ctx context.Context, content []byte, metadata *persist.AssetMetadata, onProgress ipfs.ProgressFunc) (persist.CID, error)
	Fetch(ctx context.Context, cid persist.CID) (ipfs.FetchResult, error)
}

// ChainGateway executes registry contract operations.
type ChainGateway interface {
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error)
	Confirm(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ParseEvent(receipt *types.Receipt, event string) (rpc.Event, error)
	Nonce(ctx context.Context, owner persist.EthereumAddress) (*big.Int, error)
	HasRole(ctx context.Context, role common.Hash, account persist.EthereumAddress) (bool, error)
	FilterTransfers(ctx context.Context, from, to *common.Address) ([]types.Log, error)
}

// OperationSigner produces the typed-data signatures contract methods verify.
type OperationSigner interface {
	Address() persist.EthereumAddress
	SignRegister(ctx context.Context, to persist.EthereumAddress, cid persist.CID, contentHash persist.HexHash, nonce *big.Int) ([]byte, error)
	SignCertify(ctx context.Context, tokenID persist.TokenID, comment string, deadline *big.Int, nonce *big.Int) ([]byte, error)
	SignUpdate(ctx context.Context, tokenID persist.TokenID, newCID persist.CID, newHash persist.HexHash, nonce *big.Int) ([]byte, error)
	SignBurn(ctx context.Context, tokenID persist.TokenID, nonce *big.Int) ([]byte, error)
	SignSetCertifiers(ctx context.Context, certifiers []persist.EthereumAddress, nonce *big.Int) ([]byte, error)
}

// Registry runs asset lifecycle operations end to end.
type Registry struct {
	store   ContentStore
	gateway ChainGateway
	signer  OperationSigner
	cache   *cache.MetadataCache
	tracker *progress.Tracker
	queue   *SubmitQueue

	maxFileSize  int64
	allowedTypes []string
}

// NewRegistry wires the pipeline over its collaborators.
func NewRegistry(store ContentStore, gateway ChainGateway, signer OperationSigner, metadataCache *cache.MetadataCache, tracker *progress.Tracker) *Registry {
	return &Registry{
		store:        store,
		gateway:      gateway,
		signer:       signer,
		cache:        metadataCache,
		tracker:      tracker,
		queue:        NewSubmitQueue(),
		maxFileSize:  env.GetInt64("MAX_FILE_SIZE"),
		allowedTypes: env.GetStringSlice("ALLOWED_FILE_TYPES"),
	}
}

// RegisterRequest is one registration job.
type RegisterRequest struct {
	Content  []byte
	Metadata persist.AssetMetadata
	Owner    persist.EthereumAddress
	Session  persist.DBID
}

// RegisterResult reports the minted token and where its content lives.
type RegisterResult struct {
	TokenID     persist.TokenID         `json:"token_id"`
	Owner       persist.EthereumAddress `json:"owner"`
	CID         persist.CID             `json:"cid"`
	ContentHash persist.HexHash         `json:"content_hash"`
	TxHash      string                  `json:"tx_hash"`
}

// RegisterAsset runs the full registration pipeline. On failure the session's
// progress is set to the failure sentinel and the returned error names the
// stage that broke.
func (r *Registry) RegisterAsset(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	result, err := r.registerAsset(ctx, req)
	if err != nil {
		r.publish(req.Session, progress.Failed)
		return RegisterResult{}, err
	}
	r.publish(req.Session, donePct)
	return result, nil
}

func (r *Registry) registerAsset(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	defer util.Track("registerAsset", time.Now())
	ctx = logger.NewContextWithFields(ctx, map[string]interface{}{"owner": req.Owner.String(), "fileName": req.Metadata.FileName})

	if err := r.validate(ctx, req); err != nil {
		return RegisterResult{}, err
	}
	r.publish(req.Session, validatedPct)

	contentHash := ContentDigest(req.Content)
	r.publish(req.Session, hashedPct)

	r.publish(req.Session, uploadStartPct)
	cid, err := r.store.Upload(ctx, req.Content, &req.Metadata, func(done, total int) {
		pct := uploadStartPct + (uploadEndPct-uploadStartPct)*done/total
		r.publish(req.Session, pct)
	})
	if err != nil {
		return RegisterResult{}, stageErr(StageUploading, err)
	}
	r.publish(req.Session, uploadEndPct)
	logger.For(ctx).Infof("content uploaded as %s", cid)

	receipt, err := r.submitSigned(ctx, "registerAsset", StageSigning, func(ctx context.Context, nonce *big.Int) ([]interface{}, error) {
		sig, err := r.signer.SignRegister(ctx, req.Owner, cid, contentHash, nonce)
		if err != nil {
			return nil, err
		}
		return []interface{}{req.Owner.Address(), cid.String(), hashBytes(contentHash), sig}, nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	event, err := r.gateway.ParseEvent(receipt, "AssetRegistered")
	if err != nil {
		return RegisterResult{}, stageErr(StageConfirming, err)
	}
	minted, ok := event.Values["tokenId"].(*big.Int)
	if !ok {
		return RegisterResult{}, Error{Stage: StageConfirming, Err: fmt.Errorf("AssetRegistered carried %T for tokenId, expected *big.Int", event.Values["tokenId"])}
	}
	tokenID := persist.TokenID(minted.Uint64())

	r.cache.PutMetadata(ctx, tokenID, req.Metadata)
	r.cache.InvalidateAssets(req.Owner)

	logger.For(ctx).Infof("registered token %d in tx %s", tokenID, receipt.TxHash)
	return RegisterResult{
		TokenID:     tokenID,
		Owner:       req.Owner,
		CID:         cid,
		ContentHash: contentHash,
		TxHash:      receipt.TxHash.Hex(),
	}, nil
}

func (r *Registry) validate(ctx context.Context, req RegisterRequest) error {
	if len(req.Content) == 0 {
		return Error{Stage: StageValidating, Err: errors.New("content is empty")}
	}
	if int64(len(req.Content)) > r.maxFileSize {
		return Error{Stage: StageValidating, Err: fmt.Errorf("content is %d bytes, limit is %d", len(req.Content), r.maxFileSize)}
	}
	if !r.typeAllowed(req.Metadata.FileType) {
		return Error{Stage: StageValidating, Err: fmt.Errorf("file type %s is not allowed", req.Metadata.FileType)}
	}
	if req.Owner == "" {
		return Error{Stage: StageValidating, Err: errors.New("owner address is required")}
	}

	granted, err := r.gateway.HasRole(ctx, contracts.RegistrarRole, r.signer.Address())
	if err != nil {
		return stageErr(StageValidating, err)
	}
	if !granted {
		return Error{Stage: StageValidating, Err: fmt.Errorf("account %s lacks the registrar role", r.signer.Address())}
	}
	return nil
}

func (r *Registry) typeAllowed(fileType string) bool {
	for _, pattern := range r.allowedTypes {
		if util.MatchesMIME(pattern, fileType) {
			return true
		}
	}
	return false
}

// submitSigned reads a fresh signature nonce, signs via buildArgs, submits and
// confirms. It runs inside the per-account queue so concurrent operations from
// one signer cannot race each other's nonces; an expired nonce from an outside
// writer is re-signed and resubmitted.
func (r *Registry) submitSigned(ctx context.Context, method string, signStage Stage, buildArgs func(ctx context.Context, nonce *big.Int) ([]interface{}, error)) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := r.queue.Do(ctx, r.signer.Address(), func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < submitAttempts; attempt++ {
			nonce, err := r.gateway.Nonce(ctx, r.signer.Address())
			if err != nil {
				return stageErr(signStage, err)
			}
			args, err := buildArgs(ctx, nonce)
			if err != nil {
				return stageErr(signStage, err)
			}

			txHash, err := r.gateway.Submit(ctx, method, args...)
			if err != nil {
				if rpc.IsRetryable(err) {
					lastErr = err
					logger.For(ctx).Warnf("%s submission attempt %d failed, refreshing nonce: %s", method, attempt+1, err)
					continue
				}
				return stageErr(StageSubmitting, err)
			}

			receipt, err = r.gateway.Confirm(ctx, txHash)
			if err != nil {
				return stageErr(StageConfirming, err)
			}
			return nil
		}
		return stageErr(StageSubmitting, lastErr)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CertifyAsset signs and submits a certification for the token. The deadline
// bounds how long the signature stays submittable.
func (r *Registry) CertifyAsset(ctx context.Context, tokenID persist.TokenID, comment string, deadline time.Time) (string, error) {
	deadlineArg := big.NewInt(deadline.Unix())
	receipt, err := r.submitSigned(ctx, "certifyAsset", StageSigning, func(ctx context.Context, nonce *big.Int) ([]interface{}, error) {
		sig, err := r.signer.SignCertify(ctx, tokenID, comment, deadlineArg, nonce)
		if err != nil {
			return nil, err
		}
		return []interface{}{new(big.Int).SetUint64(uint64(tokenID)), comment, deadlineArg, sig}, nil
	})
	if err != nil {
		return "", err
	}
	if _, err := r.gateway.ParseEvent(receipt, "AssetCertified"); err != nil {
		return "", stageErr(StageConfirming, err)
	}
	if err := r.cache.Invalidate(ctx, tokenID); err != nil {
		logger.For(ctx).Warnf("invalidating certified token %d: %s", tokenID, err)
	}
	return receipt.TxHash.Hex(), nil
}

// UpdateMetadata uploads replacement content and points the token at it. Only
// the current owner may update; a stale caller fails the ownership check
// before anything is uploaded.
func (r *Registry) UpdateMetadata(ctx context.Context, tokenID persist.TokenID, content []byte, metadata persist.AssetMetadata) (persist.CID, error) {
	owner, err := r.OwnerOf(ctx, tokenID)
	if err != nil {
		return "", err
	}
	if !owner.Equals(r.signer.Address()) {
		return "", stageErr(StageValidating, persist.ErrNotOwner{TokenID: tokenID, Owner: owner, Caller: r.signer.Address()})
	}

	newHash := ContentDigest(content)
	cid, err := r.store.Upload(ctx, content, &metadata, nil)
	if err != nil {
		return "", stageErr(StageUploading, err)
	}

	receipt, err := r.submitSigned(ctx, "updateMetadata", StageSigning, func(ctx context.Context, nonce *big.Int) ([]interface{}, error) {
		sig, err := r.signer.SignUpdate(ctx, tokenID, cid, newHash, nonce)
		if err != nil {
			return nil, err
		}
		return []interface{}{new(big.Int).SetUint64(uint64(tokenID)), cid.String(), hashBytes(newHash), sig}, nil
	})
	if err != nil {
		return "", err
	}
	if _, err := r.gateway.ParseEvent(receipt, "MetadataUpdated"); err != nil {
		return "", stageErr(StageConfirming, err)
	}

	r.cache.PutMetadata(ctx, tokenID, metadata)
	r.cache.InvalidateAssets(owner)
	return cid, nil
}

// SetCertifiers replaces the set of accounts holding the certifier role.
func (r *Registry) SetCertifiers(ctx context.Context, certifiers []persist.EthereumAddress) (string, error) {
	addrs := make([]common.Address, len(certifiers))
	for i, c := range certifiers {
		addrs[i] = c.Address()
	}
	receipt, err := r.submitSigned(ctx, "setCertifiers", StageSigning, func(ctx context.Context, nonce *big.Int) ([]interface{}, error) {
		sig, err := r.signer.SignSetCertifiers(ctx, certifiers, nonce)
		if err != nil {
			return nil, err
		}
		return []interface{}{addrs, sig}, nil
	})
	if err != nil {
		return "", err
	}
	logger.For(ctx).Infof("certifier set replaced with %d accounts in tx %s", len(certifiers), receipt.TxHash)
	return receipt.TxHash.Hex(), nil
}

// Certifiers enumerates the accounts currently granted the certifier role.
func (r *Registry) Certifiers(ctx context.Context) ([]persist.EthereumAddress, error) {
	role := [32]byte(contracts.CertifierRole)
	results, err := r.gateway.Call(ctx, "getRoleMemberCount", role)
	if err != nil {
		return nil, err
	}
	count, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getRoleMemberCount returned %T, expected *big.Int", results[0])
	}

	members := make([]persist.EthereumAddress, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		results, err := r.gateway.Call(ctx, "getRoleMember", role, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		addr, ok := results[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("getRoleMember returned %T, expected address", results[0])
		}
		members = append(members, persist.AddressFromCommon(addr))
	}
	return members, nil
}

// VerifyAsset recomputes the content digest and checks it against the hash
// asserted on-chain for the token.
func (r *Registry) VerifyAsset(ctx context.Context, tokenID persist.TokenID, content []byte) (bool, error) {
	digest := ContentDigest(content)
	results, err := r.gateway.Call(ctx, "verifyIntegrity", new(big.Int).SetUint64(uint64(tokenID)), hashBytes(digest))
	if err != nil {
		return false, r.mapNotFound(tokenID, err)
	}
	valid, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("verifyIntegrity returned %T, expected bool", results[0])
	}
	return valid, nil
}

// OwnerOf reads the token's current owner.
func (r *Registry) OwnerOf(ctx context.Context, tokenID persist.TokenID) (persist.EthereumAddress, error) {
	results, err := r.gateway.Call(ctx, "ownerOf", new(big.Int).SetUint64(uint64(tokenID)))
	if err != nil {
		return "", r.mapNotFound(tokenID, err)
	}
	addr, ok := results[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("ownerOf returned %T, expected address", results[0])
	}
	return persist.AddressFromCommon(addr), nil
}

// GetAssetPreview returns the on-chain record for a token joined with its
// off-chain metadata. A metadata resolution failure is reported inside the
// result rather than failing the whole read.
func (r *Registry) GetAssetPreview(ctx context.Context, tokenID persist.TokenID) (persist.Asset, error) {
	results, err := r.gateway.Call(ctx, "getAssetMetadata", new(big.Int).SetUint64(uint64(tokenID)))
	if err != nil {
		return persist.Asset{}, r.mapNotFound(tokenID, err)
	}

	cid := persist.CID(results[0].(string))
	contentHash := results[1].([32]byte)
	version := results[2].(*big.Int)
	isCertified := results[3].(bool)
	registeredAt := results[4].(*big.Int)

	owner, err := r.OwnerOf(ctx, tokenID)
	if err != nil {
		return persist.Asset{}, err
	}

	asset := persist.Asset{
		TokenID:          tokenID,
		Owner:            owner,
		CID:              cid,
		ContentHash:      persist.HexHash(common.BytesToHash(contentHash[:]).Hex()),
		Version:          version.Int64(),
		IsCertified:      isCertified,
		RegistrationDate: time.Unix(registeredAt.Int64(), 0).UTC(),
		Metadata:         r.resolveMetadata(ctx, tokenID, cid),
	}
	return asset, nil
}

// resolveMetadata joins cached metadata with a store fetch, reporting fetch
// failures inside the result.
func (r *Registry) resolveMetadata(ctx context.Context, tokenID persist.TokenID, cid persist.CID) persist.MetadataResult {
	if m, ok := r.cache.GetMetadata(ctx, tokenID); ok {
		return persist.MetadataResult{Metadata: &m}
	}
	fetched, err := r.store.Fetch(ctx, cid)
	if err != nil {
		return persist.MetadataResult{Err: err}
	}
	if fetched.Metadata == nil {
		return persist.MetadataResult{}
	}
	r.cache.PutMetadata(ctx, tokenID, *fetched.Metadata)
	return persist.MetadataResult{Metadata: fetched.Metadata}
}

// mapNotFound turns a revert on a token read into the not-found error.
func (r *Registry) mapNotFound(tokenID persist.TokenID, err error) error {
	var chainErr rpc.Error
	if errors.As(err, &chainErr) && chainErr.Kind == rpc.KindCallException {
		return persist.ErrAssetNotFound{TokenID: tokenID}
	}
	return err
}

func (r *Registry) publish(session persist.DBID, pct int) {
	if session == "" || r.tracker == nil {
		return
	}
	r.tracker.Publish(session, pct)
}

// ContentDigest computes the keccak256 digest asserted on-chain for content.
func ContentDigest(content []byte) persist.HexHash {
	return persist.HexHash(crypto.Keccak256Hash(content).Hex())
}

func hashBytes(h persist.HexHash) [32]byte {
	return [32]byte(h.Hash())
}
