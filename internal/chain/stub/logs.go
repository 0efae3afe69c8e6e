package stub

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"amm-analytics/internal/chain"
)

// LogAt positions a log on chain.
type LogAt struct {
	Block uint64
	Index uint
	Tx    string // defaults to a hash derived from Block and Index
}

func (at LogAt) log(address string, topics []common.Hash, data []byte) types.Log {
	tx := common.BigToHash(new(big.Int).SetUint64(at.Block*100_000 + uint64(at.Index)))
	if at.Tx != "" {
		tx = common.HexToHash(at.Tx)
	}
	return types.Log{
		Address:     common.HexToAddress(address),
		Topics:      topics,
		Data:        data,
		BlockNumber: at.Block,
		TxHash:      tx,
		Index:       at.Index,
	}
}

// PairCreatedLog builds a factory PairCreated log.
func PairCreatedLog(at LogAt, factory, token0, token1, pair string, index uint64) types.Log {
	data := pack(chain.FactoryABI.Events["PairCreated"], common.HexToAddress(pair), new(big.Int).SetUint64(index))
	return at.log(factory, []common.Hash{chain.TopicPairCreated, addressTopic(token0), addressTopic(token1)}, data)
}

// SwapLog builds a pair Swap log.
func SwapLog(at LogAt, pair, sender, to string, amount0In, amount1In, amount0Out, amount1Out *big.Int) types.Log {
	data := pack(chain.PairABI.Events["Swap"], amount0In, amount1In, amount0Out, amount1Out)
	return at.log(pair, []common.Hash{chain.TopicSwap, addressTopic(sender), addressTopic(to)}, data)
}

// SyncLog builds a pair Sync log.
func SyncLog(at LogAt, pair string, reserve0, reserve1 *big.Int) types.Log {
	data := pack(chain.PairABI.Events["Sync"], reserve0, reserve1)
	return at.log(pair, []common.Hash{chain.TopicSync}, data)
}

// MintLog builds a pair Mint log.
func MintLog(at LogAt, pair, sender string, amount0, amount1 *big.Int) types.Log {
	data := pack(chain.PairABI.Events["Mint"], amount0, amount1)
	return at.log(pair, []common.Hash{chain.TopicMint, addressTopic(sender)}, data)
}

// BurnLog builds a pair Burn log.
func BurnLog(at LogAt, pair, sender, to string, amount0, amount1 *big.Int) types.Log {
	data := pack(chain.PairABI.Events["Burn"], amount0, amount1)
	return at.log(pair, []common.Hash{chain.TopicBurn, addressTopic(sender), addressTopic(to)}, data)
}

func pack(event abi.Event, values ...any) []byte {
	data, err := event.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return data
}

func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}
