package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/cache"
	"github.com/assetvault/go-assetvault/service/ipfs"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/progress"
	"github.com/assetvault/go-assetvault/service/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	env.SetDefaults()
}

const signerAddr = persist.EthereumAddress("0x00000000000000000000000000000000000000aa")

type assetRecord struct {
	cid          persist.CID
	contentHash  [32]byte
	version      int64
	isCertified  bool
	registeredAt int64
	owner        common.Address
}

type fakeGateway struct {
	mu sync.Mutex

	hasRole    bool
	roleChecks int

	nonce       int64
	submitErrs  []error
	failMethods map[string]error
	submitted   []string

	assets     map[persist.TokenID]*assetRecord
	events     map[string]map[string]interface{}
	logs       []types.Log
	certifiers []common.Address
	seenCIDs   map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		hasRole:     true,
		assets:      map[persist.TokenID]*assetRecord{},
		events:      map[string]map[string]interface{}{},
		failMethods: map[string]error{},
		seenCIDs:    map[string]bool{},
	}
}

func revertErr(reason string) error {
	return rpc.Error{Kind: rpc.KindCallException, Reason: reason, Err: errors.New("execution reverted: " + reason)}
}

func (f *fakeGateway) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "ownerOf":
		id := persist.TokenID(args[0].(*big.Int).Uint64())
		rec, ok := f.assets[id]
		if !ok {
			return nil, revertErr("nonexistent token")
		}
		return []interface{}{rec.owner}, nil
	case "getAssetMetadata":
		id := persist.TokenID(args[0].(*big.Int).Uint64())
		rec, ok := f.assets[id]
		if !ok {
			return nil, revertErr("nonexistent token")
		}
		return []interface{}{rec.cid.String(), rec.contentHash, big.NewInt(rec.version), rec.isCertified, big.NewInt(rec.registeredAt)}, nil
	case "verifyIntegrity":
		id := persist.TokenID(args[0].(*big.Int).Uint64())
		rec, ok := f.assets[id]
		if !ok {
			return nil, revertErr("nonexistent token")
		}
		return []interface{}{rec.contentHash == args[1].([32]byte)}, nil
	case "getRoleMemberCount":
		return []interface{}{big.NewInt(int64(len(f.certifiers)))}, nil
	case "getRoleMember":
		idx := args[1].(*big.Int).Int64()
		return []interface{}{f.certifiers[idx]}, nil
	}
	return nil, fmt.Errorf("unexpected call %s", method)
}

func (f *fakeGateway) Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failMethods[method]; ok {
		return common.Hash{}, err
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	// The contract enforces CID uniqueness across registrations.
	if method == "registerAsset" {
		cid := args[1].(string)
		if f.seenCIDs[cid] {
			return common.Hash{}, rpc.ClassifyError(errors.New("execution reverted: CID already registered"))
		}
		f.seenCIDs[cid] = true
	}
	f.submitted = append(f.submitted, method)
	f.nonce++
	return common.BigToHash(big.NewInt(f.nonce)), nil
}

func (f *fakeGateway) Confirm(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeGateway) ParseEvent(receipt *types.Receipt, event string) (rpc.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, ok := f.events[event]
	if !ok {
		return rpc.Event{}, rpc.ErrEventNotFound{Event: event, TxHash: receipt.TxHash}
	}
	return rpc.Event{Name: event, Values: values}, nil
}

func (f *fakeGateway) Nonce(ctx context.Context, owner persist.EthereumAddress) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.nonce), nil
}

func (f *fakeGateway) HasRole(ctx context.Context, role common.Hash, account persist.EthereumAddress) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleChecks++
	return f.hasRole, nil
}

func (f *fakeGateway) FilterTransfers(ctx context.Context, from, to *common.Address) ([]types.Log, error) {
	return f.logs, nil
}

type fakeStore struct {
	mu        sync.Mutex
	uploads   int
	uploadErr error
	fetchErr  error
	metadata  map[persist.CID]*persist.AssetMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{metadata: map[persist.CID]*persist.AssetMetadata{}}
}

// contentCID derives a CID from the bytes, so identical content collides the
// way it does under real content addressing.
func contentCID(content []byte) persist.CID {
	return persist.CID("Qm" + string(ContentDigest(content))[2:])
}

func (f *fakeStore) Upload(ctx context.Context, content []byte, metadata *persist.AssetMetadata, onProgress ipfs.ProgressFunc) (persist.CID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	cid := contentCID(content)
	f.metadata[cid] = metadata
	if onProgress != nil {
		onProgress(1, 1)
	}
	return cid, nil
}

func (f *fakeStore) Fetch(ctx context.Context, cid persist.CID) (ipfs.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return ipfs.FetchResult{}, f.fetchErr
	}
	return ipfs.FetchResult{Metadata: f.metadata[cid]}, nil
}

type fakeSigner struct {
	mu         sync.Mutex
	err        error
	signedWith []int64
}

func (f *fakeSigner) Address() persist.EthereumAddress { return signerAddr }

func (f *fakeSigner) record(nonce *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.signedWith = append(f.signedWith, nonce.Int64())
	return []byte{0x01}, nil
}

func (f *fakeSigner) SignRegister(ctx context.Context, to persist.EthereumAddress, cid persist.CID, contentHash persist.HexHash, nonce *big.Int) ([]byte, error) {
	return f.record(nonce)
}

func (f *fakeSigner) SignCertify(ctx context.Context, tokenID persist.TokenID, comment string, deadline *big.Int, nonce *big.Int) ([]byte, error) {
	return f.record(nonce)
}

func (f *fakeSigner) SignUpdate(ctx context.Context, tokenID persist.TokenID, newCID persist.CID, newHash persist.HexHash, nonce *big.Int) ([]byte, error) {
	return f.record(nonce)
}

func (f *fakeSigner) SignBurn(ctx context.Context, tokenID persist.TokenID, nonce *big.Int) ([]byte, error) {
	return f.record(nonce)
}

func (f *fakeSigner) SignSetCertifiers(ctx context.Context, certifiers []persist.EthereumAddress, nonce *big.Int) ([]byte, error) {
	return f.record(nonce)
}

type fixture struct {
	registry *Registry
	gateway  *fakeGateway
	store    *fakeStore
	signer   *fakeSigner
	tracker  *progress.Tracker
}

func newFixture() *fixture {
	gateway := newFakeGateway()
	store := newFakeStore()
	signer := &fakeSigner{}
	tracker := progress.NewTracker()
	return &fixture{
		registry: NewRegistry(store, gateway, signer, cache.NewMetadataCache(nil), tracker),
		gateway:  gateway,
		store:    store,
		signer:   signer,
		tracker:  tracker,
	}
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Content: []byte("some image bytes"),
		Metadata: persist.AssetMetadata{
			FileName: "cat.png",
			FileType: "image/png",
			FileSize: 16,
		},
		Owner: persist.EthereumAddress("0x00000000000000000000000000000000000000bb"),
	}
}

func TestRegisterAssetEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetRegistered"] = map[string]interface{}{"tokenId": big.NewInt(42)}

	session := f.tracker.Start()
	req := validRequest()
	req.Session = session

	result, err := f.registry.RegisterAsset(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, persist.TokenID(42), result.TokenID)
	assert.Equal(t, contentCID(req.Content), result.CID)
	assert.Equal(t, req.Owner, result.Owner)
	assert.NotEmpty(t, result.ContentHash)
	assert.Equal(t, []string{"registerAsset"}, f.gateway.submitted)

	pct, err := f.tracker.Get(session)
	require.NoError(t, err)
	assert.Equal(t, progress.Complete, pct)

	// Registration primes the metadata cache.
	m, ok := f.registry.cache.GetMetadata(ctx, 42)
	require.True(t, ok)
	assert.Equal(t, "cat.png", m.FileName)
}

func TestValidationFailsBeforeAnyUploadOrSubmit(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(*RegisterRequest){
		"empty content":  func(r *RegisterRequest) { r.Content = nil },
		"oversize":       func(r *RegisterRequest) { r.Content = make([]byte, 51*1024*1024) },
		"bad file type":  func(r *RegisterRequest) { r.Metadata.FileType = "application/x-msdownload" },
		"missing owner":  func(r *RegisterRequest) { r.Owner = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			req := validRequest()
			mutate(&req)

			_, err := f.registry.RegisterAsset(ctx, req)
			var pipelineErr Error
			require.ErrorAs(t, err, &pipelineErr)
			assert.Equal(t, StageValidating, pipelineErr.Stage)
			assert.Zero(t, f.store.uploads)
			assert.Empty(t, f.gateway.submitted)
			assert.Zero(t, f.gateway.roleChecks, "local validation runs before any network call")
		})
	}
}

func TestMissingRegistrarRoleBlocksRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.hasRole = false

	_, err := f.registry.RegisterAsset(ctx, validRequest())
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageValidating, pipelineErr.Stage)
	assert.Zero(t, f.store.uploads)
}

func TestUploadFailureSubmitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.uploadErr = ipfs.ErrUpload{Err: errors.New("node unreachable")}

	session := f.tracker.Start()
	req := validRequest()
	req.Session = session

	_, err := f.registry.RegisterAsset(ctx, req)
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageUploading, pipelineErr.Stage)
	assert.Empty(t, f.gateway.submitted)

	pct, err := f.tracker.Get(session)
	require.NoError(t, err)
	assert.Equal(t, progress.Failed, pct)
}

func TestNonceConflictIsResignedAndResubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetRegistered"] = map[string]interface{}{"tokenId": big.NewInt(1)}
	f.gateway.submitErrs = []error{rpc.Error{Kind: rpc.KindNonceExpired, Err: errors.New("nonce too low")}}

	_, err := f.registry.RegisterAsset(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"registerAsset"}, f.gateway.submitted)
	assert.Len(t, f.signer.signedWith, 2, "each attempt signs against a fresh nonce")
}

func TestDeclinedSignatureIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.signer.err = rpc.Error{Kind: rpc.KindUserRejected, Err: errors.New("declined")}

	_, err := f.registry.RegisterAsset(ctx, validRequest())
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageSigning, pipelineErr.Stage)
	assert.Equal(t, string(rpc.KindUserRejected), pipelineErr.Kind)
	assert.Empty(t, f.gateway.submitted)
}

func TestCertifyInvalidatesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetCertified"] = map[string]interface{}{"tokenId": big.NewInt(7)}
	f.registry.cache.PutMetadata(ctx, 7, persist.AssetMetadata{FileName: "old.png"})

	txHash, err := f.registry.CertifyAsset(ctx, 7, "matches source records", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	_, ok := f.registry.cache.GetMetadata(ctx, 7)
	assert.False(t, ok)
}

func TestUpdateMetadataRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[5] = &assetRecord{owner: common.HexToAddress("0xcc")}

	_, err := f.registry.UpdateMetadata(ctx, 5, []byte("new"), persist.AssetMetadata{FileName: "new.png", FileType: "image/png"})
	var notOwner persist.ErrNotOwner
	require.ErrorAs(t, err, &notOwner)
	assert.Zero(t, f.store.uploads)
}

func TestUpdateMetadataUploadsAndRefreshesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[5] = &assetRecord{owner: signerAddr.Address()}
	f.gateway.events["MetadataUpdated"] = map[string]interface{}{"tokenId": big.NewInt(5)}

	cid, err := f.registry.UpdateMetadata(ctx, 5, []byte("new content"), persist.AssetMetadata{FileName: "v2.png", FileType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, contentCID([]byte("new content")), cid)
	assert.Equal(t, []string{"updateMetadata"}, f.gateway.submitted)

	m, ok := f.registry.cache.GetMetadata(ctx, 5)
	require.True(t, ok)
	assert.Equal(t, "v2.png", m.FileName)
}

func TestVerifyAsset(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	content := []byte("authentic bytes")
	f.gateway.assets[9] = &assetRecord{
		owner:       signerAddr.Address(),
		contentHash: hashBytes(ContentDigest(content)),
	}

	valid, err := f.registry.VerifyAsset(ctx, 9, content)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = f.registry.VerifyAsset(ctx, 9, []byte("tampered bytes"))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGetAssetPreviewUnknownToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.registry.GetAssetPreview(ctx, 404)
	var notFound persist.ErrAssetNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, persist.TokenID(404), notFound.TokenID)
}

func TestGetAssetPreviewReportsMetadataFailureInsteadOfDefaulting(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.assets[3] = &assetRecord{
		cid:          "QmSomewhere",
		owner:        signerAddr.Address(),
		version:      1,
		registeredAt: time.Now().Unix(),
	}
	f.store.fetchErr = ipfs.ErrNotFound{CID: "QmSomewhere"}

	asset, err := f.registry.GetAssetPreview(ctx, 3)
	require.NoError(t, err)
	assert.False(t, asset.Metadata.Resolved())
	assert.Error(t, asset.Metadata.Err)
}

func TestReregisteringSameContentFailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetRegistered"] = map[string]interface{}{"tokenId": big.NewInt(1)}

	first, err := f.registry.RegisterAsset(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, ContentDigest(validRequest().Content), first.ContentHash)

	_, err = f.registry.RegisterAsset(ctx, validRequest())
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageSubmitting, pipelineErr.Stage)
	assert.Equal(t, string(rpc.KindDuplicateContent), pipelineErr.Kind)
	assert.Equal(t, []string{"registerAsset"}, f.gateway.submitted, "a duplicate is rejected by the contract, not retried")
	assert.Len(t, f.signer.signedWith, 2, "the rejection happens at the chain, after signing")
}

func TestPermissionRevertIsDistinctFromGenericRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.failMethods["registerAsset"] = rpc.ClassifyError(errors.New("execution reverted: AccessControl: account 0xaa is missing role 0xbb"))

	_, err := f.registry.RegisterAsset(ctx, validRequest())
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageSubmitting, pipelineErr.Stage)
	assert.Equal(t, string(rpc.KindPermissionDenied), pipelineErr.Kind)
}

func TestRegisterFailsCleanlyOnMalformedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.events["AssetRegistered"] = map[string]interface{}{"tokenId": "not-a-number"}

	_, err := f.registry.RegisterAsset(ctx, validRequest())
	var pipelineErr Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, StageConfirming, pipelineErr.Stage)
}

func TestSetCertifiersSignsAndSubmits(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	txHash, err := f.registry.SetCertifiers(ctx, []persist.EthereumAddress{
		"0x00000000000000000000000000000000000000cc",
		"0x00000000000000000000000000000000000000dd",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
	assert.Equal(t, []string{"setCertifiers"}, f.gateway.submitted)
	assert.Len(t, f.signer.signedWith, 1)
}

func TestCertifiersListsRoleMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.gateway.certifiers = []common.Address{
		common.HexToAddress("0xcc"),
		common.HexToAddress("0xdd"),
	}

	members, err := f.registry.Certifiers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, persist.AddressFromCommon(common.HexToAddress("0xcc")), members[0])
	assert.Equal(t, persist.AddressFromCommon(common.HexToAddress("0xdd")), members[1])
}
