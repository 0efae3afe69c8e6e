package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20JSON = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const pairJSON = `[
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"factory","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[
		{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"event","name":"Swap","anonymous":false,"inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"amount0In","type":"uint256"},
		{"indexed":false,"name":"amount1In","type":"uint256"},
		{"indexed":false,"name":"amount0Out","type":"uint256"},
		{"indexed":false,"name":"amount1Out","type":"uint256"},
		{"indexed":true,"name":"to","type":"address"}]},
	{"type":"event","name":"Sync","anonymous":false,"inputs":[
		{"indexed":false,"name":"reserve0","type":"uint112"},
		{"indexed":false,"name":"reserve1","type":"uint112"}]},
	{"type":"event","name":"Mint","anonymous":false,"inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"amount0","type":"uint256"},
		{"indexed":false,"name":"amount1","type":"uint256"}]},
	{"type":"event","name":"Burn","anonymous":false,"inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":false,"name":"amount0","type":"uint256"},
		{"indexed":false,"name":"amount1","type":"uint256"},
		{"indexed":true,"name":"to","type":"address"}]}
]`

const factoryJSON = `[
	{"type":"function","name":"allPairsLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allPairs","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"PairCreated","anonymous":false,"inputs":[
		{"indexed":true,"name":"token0","type":"address"},
		{"indexed":true,"name":"token1","type":"address"},
		{"indexed":false,"name":"pair","type":"address"},
		{"indexed":false,"name":"","type":"uint256"}]}
]`

// Parsed ABIs of the contracts the pipeline reads from.
var (
	ERC20ABI   = mustParse(erc20JSON)
	PairABI    = mustParse(pairJSON)
	FactoryABI = mustParse(factoryJSON)
)

// Event topic0 hashes.
var (
	TopicPairCreated = FactoryABI.Events["PairCreated"].ID
	TopicSwap        = PairABI.Events["Swap"].ID
	TopicSync        = PairABI.Events["Sync"].ID
	TopicMint        = PairABI.Events["Mint"].ID
	TopicBurn        = PairABI.Events["Burn"].ID
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
