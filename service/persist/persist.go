package persist

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/ksuid"
)

// DBID is an identifier for an in-process entity such as an upload session or a
// pipeline run.
type DBID string

// GenerateID generates a new sortable unique DBID.
func GenerateID() DBID {
	return DBID(ksuid.New().String())
}

func (d DBID) String() string {
	return string(d)
}

// EthereumAddress is a normalized ethereum address
type EthereumAddress string

// ZeroAddress is the all-zero address; transfers to it are burns.
const ZeroAddress EthereumAddress = "0x0000000000000000000000000000000000000000"

func (a EthereumAddress) String() string {
	return strings.ToLower(string(a))
}

// Address returns the go-ethereum address representation
func (a EthereumAddress) Address() common.Address {
	return common.HexToAddress(string(a))
}

// Equals compares two addresses case-insensitively.
func (a EthereumAddress) Equals(other EthereumAddress) bool {
	return strings.EqualFold(string(a), string(other))
}

// AddressFromCommon converts a go-ethereum address to an EthereumAddress.
func AddressFromCommon(a common.Address) EthereumAddress {
	return EthereumAddress(strings.ToLower(a.Hex()))
}

// CID is a content identifier addressing immutable content in the
// content-addressed store. Identical bytes always map to an identical CID.
type CID string

func (c CID) String() string {
	return string(c)
}

// HexHash is a 0x-prefixed 32-byte digest as asserted on-chain.
type HexHash string

func (h HexHash) String() string {
	return string(h)
}

// Hash returns the go-ethereum hash representation
func (h HexHash) Hash() common.Hash {
	return common.HexToHash(string(h))
}

// TokenID is a chain-assigned token identifier.
type TokenID uint64
