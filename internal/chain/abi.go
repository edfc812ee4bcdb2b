package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs for the on-chain surface the daemon consumes. Encrypted
// euint64 values appear externally as uint256 ciphertext handles. The
// getPosition outputs are declared flattened: the contract returns one
// static tuple, and a static tuple ABI-encodes identically to its fields in
// sequence, so the flattened declaration decodes the same bytes into named
// fields directly.
const positionManagerABIJSON = `[
	{"type":"function","name":"openPosition","stateMutability":"nonpayable",
		"inputs":[
			{"name":"encryptedSize","type":"bytes32"},
			{"name":"sizeProof","type":"bytes"},
			{"name":"encryptedCollateral","type":"bytes32"},
			{"name":"collateralProof","type":"bytes"},
			{"name":"isLong","type":"bool"}],
		"outputs":[{"name":"positionId","type":"uint256"}]},
	{"type":"function","name":"closePosition","stateMutability":"nonpayable",
		"inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getPosition","stateMutability":"view",
		"inputs":[{"name":"positionId","type":"uint256"}],
		"outputs":[
			{"name":"size","type":"uint256"},
			{"name":"collateral","type":"uint256"},
			{"name":"entryPrice","type":"uint256"},
			{"name":"timestamp","type":"uint256"},
			{"name":"isLong","type":"bool"},
			{"name":"isOpen","type":"bool"}]},
	{"type":"function","name":"getTraderPositions","stateMutability":"view",
		"inputs":[{"name":"trader","type":"address"}],
		"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getEncryptedSize","stateMutability":"view",
		"inputs":[{"name":"positionId","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getEncryptedCollateral","stateMutability":"view",
		"inputs":[{"name":"positionId","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"PositionOpened","anonymous":false,
		"inputs":[
			{"name":"trader","type":"address","indexed":true},
			{"name":"positionId","type":"uint256","indexed":true},
			{"name":"isLong","type":"bool","indexed":false},
			{"name":"entryPrice","type":"uint256","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"PositionClosed","anonymous":false,
		"inputs":[
			{"name":"trader","type":"address","indexed":true},
			{"name":"positionId","type":"uint256","indexed":true},
			{"name":"exitPrice","type":"uint256","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const priceOracleABIJSON = `[
	{"type":"function","name":"getPrice","stateMutability":"view",
		"inputs":[{"name":"asset","type":"string"}],
		"outputs":[
			{"name":"price","type":"uint256"},
			{"name":"decimals","type":"uint8"},
			{"name":"timestamp","type":"uint256"}]},
	{"type":"function","name":"isPriceFresh","stateMutability":"view",
		"inputs":[{"name":"asset","type":"string"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

const perpetualDEXABIJSON = `[
	{"type":"function","name":"positionManager","stateMutability":"view",
		"inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isPaused","stateMutability":"view",
		"inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	positionManagerABI = mustParseABI(positionManagerABIJSON)
	priceOracleABI     = mustParseABI(priceOracleABIJSON)
	perpetualDEXABI    = mustParseABI(perpetualDEXABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
