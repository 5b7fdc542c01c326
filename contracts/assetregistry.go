// Package contracts holds the asset registry ABI and the constants derived
// from it. The ABI is maintained by hand and parsed once at startup.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const assetRegistryABI = `[
	{"type":"function","name":"registerAsset","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"cid","type":"string"},{"name":"contentHash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"certifyAsset","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"comment","type":"string"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"updateMetadata","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"newCid","type":"string"},{"name":"newHash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"setCertifiers","stateMutability":"nonpayable","inputs":[{"name":"certifiers","type":"address[]"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"burnAsset","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getAssetMetadata","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"cid","type":"string"},{"name":"contentHash","type":"bytes32"},{"name":"version","type":"uint256"},{"name":"isCertified","type":"bool"},{"name":"registrationDate","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"}]},
	{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"function","name":"verifyIntegrity","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"hash","type":"bytes32"}],"outputs":[{"name":"valid","type":"bool"}]},
	{"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"granted","type":"bool"}]},
	{"type":"function","name":"getRoleMemberCount","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"}],"outputs":[{"name":"count","type":"uint256"}]},
	{"type":"function","name":"getRoleMember","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"member","type":"address"}]},
	{"type":"event","name":"AssetRegistered","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"cid","type":"string","indexed":false},{"name":"contentHash","type":"bytes32","indexed":false}],"anonymous":false},
	{"type":"event","name":"AssetCertified","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"certifier","type":"address","indexed":true},{"name":"comment","type":"string","indexed":false}],"anonymous":false},
	{"type":"event","name":"MetadataUpdated","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"newCid","type":"string","indexed":false},{"name":"version","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"AssetBurned","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true}],"anonymous":false},
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}],"anonymous":false}
]`

// Registry is the parsed asset registry ABI.
var Registry = mustParse(assetRegistryABI)

// Event topics, used to match and decode receipt logs.
var (
	AssetRegisteredTopic = Registry.Events["AssetRegistered"].ID
	AssetCertifiedTopic  = Registry.Events["AssetCertified"].ID
	MetadataUpdatedTopic = Registry.Events["MetadataUpdated"].ID
	AssetBurnedTopic     = Registry.Events["AssetBurned"].ID
	TransferTopic        = Registry.Events["Transfer"].ID
)

// Access-control role identifiers, keccak256 of the role name per the
// OpenZeppelin AccessControl convention.
var (
	RegistrarRole = crypto.Keccak256Hash([]byte("REGISTRAR_ROLE"))
	CertifierRole = crypto.Keccak256Hash([]byte("CERTIFIER_ROLE"))
)

// HasMethod reports whether the registry ABI declares the named method.
// Burn dispatch uses this to skip strategies the deployment cannot support.
func HasMethod(name string) bool {
	_, ok := Registry.Methods[name]
	return ok
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
