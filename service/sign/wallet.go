package sign

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func init() {
	env.RegisterValidation("PRIVATE_KEY", "required")
}

// ErrDeclined is returned by wallets when the holder refuses to sign. It is a
// user decision, never retried.
var ErrDeclined = errors.New("signature request declined")

// Wallet produces signatures for the application's account.
type Wallet interface {
	Address() persist.EthereumAddress
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalWallet signs with an in-process ECDSA key.
type LocalWallet struct {
	key     *ecdsa.PrivateKey
	address persist.EthereumAddress
}

// NewLocalWallet loads the signing key from the environment.
func NewLocalWallet() (*LocalWallet, error) {
	return NewLocalWalletFromHex(env.GetString("PRIVATE_KEY"))
}

// NewLocalWalletFromHex builds a wallet from a hex-encoded private key.
func NewLocalWalletFromHex(hexKey string) (*LocalWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &LocalWallet{
		key:     key,
		address: persist.AddressFromCommon(crypto.PubkeyToAddress(key.PublicKey)),
	}, nil
}

// Address returns the account the wallet signs for.
func (w *LocalWallet) Address() persist.EthereumAddress {
	return w.address
}

// SignTypedData signs the EIP-712 digest of data. The recovery byte is shifted
// to the 27/28 convention contracts expect from ecrecover.
func (w *LocalWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hashing typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("signing typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTx signs a transaction for the given chain.
func (w *LocalWallet) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}
