// Package rpc mediates every interaction with the asset registry contract:
// read calls, transaction submission, confirmation and event decoding.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/assetvault/go-assetvault/contracts"
	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/service/sign"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

func init() {
	env.RegisterValidation("RPC_URL", "required")
}

const (
	// gasBufferPercent pads the node's estimate; registry writes touch storage
	// whose cost can shift between estimation and inclusion.
	gasBufferPercent = 20
	// fallbackGasLimit is used when estimation fails outright.
	fallbackGasLimit = 1_000_000

	receiptPollInterval = 2 * time.Second
)

// Backend is the subset of an ethereum client the gateway needs. *ethclient.Client
// satisfies it; tests substitute fakes.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ErrEventNotFound means a confirmed receipt carried none of the expected
// event. Distinct from a failed transaction: the state change may still have
// happened under a different event shape.
type ErrEventNotFound struct {
	Event  string
	TxHash common.Hash
}

func (e ErrEventNotFound) Error() string {
	return fmt.Sprintf("event %s not found in receipt of %s", e.Event, e.TxHash)
}

// NewEthClient dials the configured RPC endpoint.
func NewEthClient(ctx context.Context) *ethclient.Client {
	client, err := ethclient.DialContext(ctx, env.GetString("RPC_URL"))
	if err != nil {
		panic(fmt.Errorf("dialing rpc: %w", err))
	}
	return client
}

// Gateway executes registry operations against one contract deployment.
type Gateway struct {
	backend  Backend
	wallet   sign.Wallet
	contract common.Address
	// roles is where hasRole lookups go. Deployments that split access
	// control into its own contract set RBAC_CONTRACT_ADDRESS; otherwise the
	// registry contract answers them itself.
	roles   common.Address
	abi     abi.ABI
	chainID *big.Int
}

// NewGateway builds a gateway for the configured contract and chain.
func NewGateway(backend Backend, wallet sign.Wallet) *Gateway {
	contract := common.HexToAddress(env.GetString("CONTRACT_ADDRESS"))
	roles := contract
	if rbac := env.GetString("RBAC_CONTRACT_ADDRESS"); rbac != "" {
		roles = common.HexToAddress(rbac)
	}
	return &Gateway{
		backend:  backend,
		wallet:   wallet,
		contract: contract,
		roles:    roles,
		abi:      contracts.Registry,
		chainID:  big.NewInt(env.GetInt64("CHAIN_ID")),
	}
}

// Contract returns the registry address the gateway targets.
func (g *Gateway) Contract() persist.EthereumAddress {
	return persist.AddressFromCommon(g.contract)
}

// Call executes a read-only contract method and returns its decoded outputs.
func (g *Gateway) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	output, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: input}, nil)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("calling %s: %w", method, err))
	}
	results, err := g.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	return results, nil
}

// Nonce reads the signature nonce the contract tracks for owner.
func (g *Gateway) Nonce(ctx context.Context, owner persist.EthereumAddress) (*big.Int, error) {
	results, err := g.Call(ctx, "nonces", owner.Address())
	if err != nil {
		return nil, err
	}
	nonce, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("nonces returned %T, expected *big.Int", results[0])
	}
	return nonce, nil
}

// HasRole reads the access-control grant for account from the roles contract.
func (g *Gateway) HasRole(ctx context.Context, role common.Hash, account persist.EthereumAddress) (bool, error) {
	input, err := g.abi.Pack("hasRole", [32]byte(role), account.Address())
	if err != nil {
		return false, fmt.Errorf("packing hasRole: %w", err)
	}
	output, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.roles, Data: input}, nil)
	if err != nil {
		return false, ClassifyError(fmt.Errorf("calling hasRole: %w", err))
	}
	results, err := g.abi.Unpack("hasRole", output)
	if err != nil {
		return false, fmt.Errorf("unpacking hasRole: %w", err)
	}
	granted, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("hasRole returned %T, expected bool", results[0])
	}
	return granted, nil
}

// Submit signs and broadcasts a state-changing contract method, returning the
// transaction hash. Gas is estimated with a buffer; an estimation failure on a
// method that would otherwise succeed falls back to a fixed limit.
func (g *Gateway) Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	input, err := g.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing %s: %w", method, err)
	}

	from := g.wallet.Address().Address()
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, ClassifyError(fmt.Errorf("reading account nonce: %w", err))
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, ClassifyError(fmt.Errorf("reading gas price: %w", err))
	}

	gasLimit := uint64(fallbackGasLimit)
	estimate, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &g.contract, Data: input})
	if err != nil {
		classified := ClassifyError(err)
		var chainErr Error
		if errors.As(classified, &chainErr) && chainErr.Kind.IsRevert() {
			return common.Hash{}, classified
		}
		logger.For(ctx).Warnf("gas estimation for %s failed, using fallback limit %d: %s", method, fallbackGasLimit, err)
	} else {
		gasLimit = estimate + estimate*gasBufferPercent/100
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, input)
	signed, err := g.wallet.SignTx(ctx, tx, g.chainID)
	if err != nil {
		return common.Hash{}, ClassifyError(fmt.Errorf("signing %s: %w", method, err))
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, ClassifyError(fmt.Errorf("sending %s: %w", method, err))
	}

	logger.For(ctx).Infof("submitted %s as %s (nonce %d, gas %d)", method, signed.Hash(), nonce, gasLimit)
	return signed.Hash(), nil
}

// Confirm polls for the transaction receipt until it lands or ctx expires. A
// mined transaction with a failed status is a call exception, not a retryable
// condition.
func (g *Gateway) Confirm(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, Error{Kind: KindCallException, Reason: "transaction reverted", Err: fmt.Errorf("tx %s failed", txHash)}
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			classified := ClassifyError(err)
			if !IsRetryable(classified) {
				return nil, classified
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ClassifyError(fmt.Errorf("awaiting receipt of %s: %w", txHash, ctx.Err()))
		}
	}
}

// Event is one decoded registry event.
type Event struct {
	Name   string
	Log    types.Log
	Values map[string]interface{}
}

// ParseEvent finds and decodes the named registry event in a receipt. Both
// indexed and unindexed fields land in Values.
func (g *Gateway) ParseEvent(receipt *types.Receipt, event string) (Event, error) {
	def, ok := g.abi.Events[event]
	if !ok {
		return Event{}, fmt.Errorf("unknown event %s", event)
	}
	for _, lg := range receipt.Logs {
		if lg.Address != g.contract || len(lg.Topics) == 0 || lg.Topics[0] != def.ID {
			continue
		}
		values := map[string]interface{}{}
		if len(lg.Data) > 0 {
			if err := g.abi.UnpackIntoMap(values, event, lg.Data); err != nil {
				return Event{}, fmt.Errorf("decoding %s data: %w", event, err)
			}
		}
		var indexed abi.Arguments
		for _, arg := range def.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("decoding %s topics: %w", event, err)
		}
		return Event{Name: event, Log: *lg, Values: values}, nil
	}
	return Event{}, ErrEventNotFound{Event: event, TxHash: receipt.TxHash}
}

// FilterTransfers returns every Transfer log involving the registry contract
// that matches the given topic filter positions; nil positions match anything.
func (g *Gateway) FilterTransfers(ctx context.Context, from, to *common.Address) ([]types.Log, error) {
	topics := [][]common.Hash{{contracts.TransferTopic}}
	if from != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(from.Bytes())})
	} else {
		topics = append(topics, nil)
	}
	if to != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(to.Bytes())})
	} else {
		topics = append(topics, nil)
	}
	logs, err := g.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{g.contract},
		Topics:    topics,
	})
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("filtering transfers: %w", err))
	}
	return logs, nil
}
