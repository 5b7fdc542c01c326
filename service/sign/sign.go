// Package sign builds and signs the EIP-712 payloads each contract operation
// verifies. Every payload binds the signer's current on-chain nonce so a
// captured signature cannot be replayed.
package sign

import (
	"context"
	"math/big"
	"time"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func init() {
	env.RegisterValidation("CHAIN_ID", "required")
	env.RegisterValidation("CONTRACT_ADDRESS", "required")
}

// signTimeout bounds a single signature request; hardware and remote wallets
// can hang indefinitely without it.
const signTimeout = 5 * time.Second

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Signer produces operation signatures bound to one contract deployment.
type Signer struct {
	wallet Wallet
	domain apitypes.TypedDataDomain
}

// NewSigner builds a signer for the configured chain and contract.
func NewSigner(wallet Wallet) *Signer {
	return &Signer{
		wallet: wallet,
		domain: apitypes.TypedDataDomain{
			Name:              "DigitalAsset",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(env.GetInt64("CHAIN_ID")),
			VerifyingContract: env.GetString("CONTRACT_ADDRESS"),
		},
	}
}

// Address returns the signing account.
func (s *Signer) Address() persist.EthereumAddress {
	return s.wallet.Address()
}

// SignRegister signs a registration intent for the given recipient, content
// location and digest.
func (s *Signer) SignRegister(ctx context.Context, to persist.EthereumAddress, cid persist.CID, contentHash persist.HexHash, nonce *big.Int) ([]byte, error) {
	return s.sign(ctx, "Register",
		[]apitypes.Type{
			{Name: "to", Type: "address"},
			{Name: "cid", Type: "string"},
			{Name: "contentHash", Type: "bytes32"},
			{Name: "nonce", Type: "uint256"},
		},
		apitypes.TypedDataMessage{
			"to":          to.String(),
			"cid":         cid.String(),
			"contentHash": contentHash.String(),
			"nonce":       (*math.HexOrDecimal256)(nonce),
		})
}

// SignCertify signs a certification with its comment and expiry deadline.
func (s *Signer) SignCertify(ctx context.Context, tokenID persist.TokenID, comment string, deadline *big.Int, nonce *big.Int) ([]byte, error) {
	return s.sign(ctx, "Certify",
		[]apitypes.Type{
			{Name: "tokenId", Type: "uint256"},
			{Name: "comment", Type: "string"},
			{Name: "deadline", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
		apitypes.TypedDataMessage{
			"tokenId":  math.NewHexOrDecimal256(int64(tokenID)),
			"comment":  comment,
			"deadline": (*math.HexOrDecimal256)(deadline),
			"nonce":    (*math.HexOrDecimal256)(nonce),
		})
}

// SignUpdate signs a metadata update pointing the token at new content.
func (s *Signer) SignUpdate(ctx context.Context, tokenID persist.TokenID, newCID persist.CID, newHash persist.HexHash, nonce *big.Int) ([]byte, error) {
	return s.sign(ctx, "Update",
		[]apitypes.Type{
			{Name: "tokenId", Type: "uint256"},
			{Name: "newCid", Type: "string"},
			{Name: "newHash", Type: "bytes32"},
			{Name: "nonce", Type: "uint256"},
		},
		apitypes.TypedDataMessage{
			"tokenId": math.NewHexOrDecimal256(int64(tokenID)),
			"newCid":  newCID.String(),
			"newHash": newHash.String(),
			"nonce":   (*math.HexOrDecimal256)(nonce),
		})
}

// SignBurn signs a burn intent for the token.
func (s *Signer) SignBurn(ctx context.Context, tokenID persist.TokenID, nonce *big.Int) ([]byte, error) {
	return s.sign(ctx, "Burn",
		[]apitypes.Type{
			{Name: "tokenId", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
		},
		apitypes.TypedDataMessage{
			"tokenId": math.NewHexOrDecimal256(int64(tokenID)),
			"nonce":   (*math.HexOrDecimal256)(nonce),
		})
}

// SignSetCertifiers signs a replacement of the certifier set.
func (s *Signer) SignSetCertifiers(ctx context.Context, certifiers []persist.EthereumAddress, nonce *big.Int) ([]byte, error) {
	addrs := make([]interface{}, len(certifiers))
	for i, c := range certifiers {
		addrs[i] = c.String()
	}
	return s.sign(ctx, "SetCertifiers",
		[]apitypes.Type{
			{Name: "certifiers", Type: "address[]"},
			{Name: "nonce", Type: "uint256"},
		},
		apitypes.TypedDataMessage{
			"certifiers": addrs,
			"nonce":      (*math.HexOrDecimal256)(nonce),
		})
}

func (s *Signer) sign(ctx context.Context, primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, signTimeout)
	defer cancel()

	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain:      s.domain,
		Message:     message,
	}

	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := s.wallet.SignTypedData(ctx, data)
		done <- result{sig, err}
	}()
	select {
	case r := <-done:
		return r.sig, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Digest returns the EIP-712 digest a signature of data commits to. Exposed
// for verification paths that recover a signer address.
func Digest(data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	return digest, err
}

// VerifyingContract reports which contract the signer's signatures target.
func (s *Signer) VerifyingContract() persist.EthereumAddress {
	return persist.EthereumAddress(s.domain.VerifyingContract)
}
