package ingestion

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"amm-analytics/internal/chain"
	"amm-analytics/internal/domain"
)

// Decoder errors.
var (
	// ErrMalformedEvent is returned when a log carries a known topic but cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrIgnoredEvent is returned for logs the pipeline does not consume.
	ErrIgnoredEvent = errors.New("ignored event")
)

// Decoder turns raw logs into domain.ChainEvent values.
// Decoding happens once, at the ingestion boundary.
type Decoder struct {
	factory common.Address // zero accepts PairCreated from any factory
}

// NewDecoder creates a decoder that accepts PairCreated only from factory.
// An empty factory accepts every factory.
func NewDecoder(factory string) *Decoder {
	d := &Decoder{}
	if factory != "" {
		d.factory = common.HexToAddress(factory)
	}
	return d
}

// Topics returns the topic0 set the decoder understands.
func (d *Decoder) Topics() []common.Hash {
	return []common.Hash{chain.TopicPairCreated, chain.TopicSwap, chain.TopicSync, chain.TopicMint, chain.TopicBurn}
}

// Decode decodes lg using the block timestamp ts.
func (d *Decoder) Decode(lg types.Log, ts int64) (domain.ChainEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrIgnoredEvent
	}

	meta := domain.EventMeta{
		Address:     chain.AddressHex(lg.Address),
		BlockNumber: lg.BlockNumber,
		TxHash:      domain.NormalizeAddress(lg.TxHash.Hex()),
		LogIndex:    lg.Index,
		Timestamp:   ts,
	}

	switch lg.Topics[0] {
	case chain.TopicPairCreated:
		if d.factory != (common.Address{}) && lg.Address != d.factory {
			return nil, ErrIgnoredEvent
		}
		return decodePairCreated(meta, lg)
	case chain.TopicSwap:
		return decodeSwap(meta, lg)
	case chain.TopicSync:
		return decodeSync(meta, lg)
	case chain.TopicMint:
		return decodeMint(meta, lg)
	case chain.TopicBurn:
		return decodeBurn(meta, lg)
	}
	return nil, ErrIgnoredEvent
}

func decodePairCreated(meta domain.EventMeta, lg types.Log) (domain.ChainEvent, error) {
	vals, err := unpack(chain.FactoryABI, "PairCreated", lg, 3)
	if err != nil {
		return nil, err
	}
	pair, ok := vals[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: PairCreated pair is %T", ErrMalformedEvent, vals[0])
	}
	index, err := bigArg(vals, 1, "PairCreated")
	if err != nil {
		return nil, err
	}
	return &domain.PairCreatedEvent{
		EventMeta: meta,
		Token0:    topicAddress(lg, 1),
		Token1:    topicAddress(lg, 2),
		Pair:      chain.AddressHex(pair),
		Index:     index.Uint64(),
	}, nil
}

func decodeSwap(meta domain.EventMeta, lg types.Log) (domain.ChainEvent, error) {
	vals, err := unpack(chain.PairABI, "Swap", lg, 3)
	if err != nil {
		return nil, err
	}
	amounts := make([]*big.Int, 4)
	for i := range amounts {
		if amounts[i], err = bigArg(vals, i, "Swap"); err != nil {
			return nil, err
		}
	}
	return &domain.SwapEvent{
		EventMeta:  meta,
		Sender:     topicAddress(lg, 1),
		To:         topicAddress(lg, 2),
		Amount0In:  amounts[0],
		Amount1In:  amounts[1],
		Amount0Out: amounts[2],
		Amount1Out: amounts[3],
	}, nil
}

func decodeSync(meta domain.EventMeta, lg types.Log) (domain.ChainEvent, error) {
	vals, err := unpack(chain.PairABI, "Sync", lg, 1)
	if err != nil {
		return nil, err
	}
	r0, err := bigArg(vals, 0, "Sync")
	if err != nil {
		return nil, err
	}
	r1, err := bigArg(vals, 1, "Sync")
	if err != nil {
		return nil, err
	}
	return &domain.SyncEvent{EventMeta: meta, Reserve0: r0, Reserve1: r1}, nil
}

func decodeMint(meta domain.EventMeta, lg types.Log) (domain.ChainEvent, error) {
	vals, err := unpack(chain.PairABI, "Mint", lg, 2)
	if err != nil {
		return nil, err
	}
	a0, err := bigArg(vals, 0, "Mint")
	if err != nil {
		return nil, err
	}
	a1, err := bigArg(vals, 1, "Mint")
	if err != nil {
		return nil, err
	}
	return &domain.MintEvent{EventMeta: meta, Sender: topicAddress(lg, 1), Amount0: a0, Amount1: a1}, nil
}

func decodeBurn(meta domain.EventMeta, lg types.Log) (domain.ChainEvent, error) {
	vals, err := unpack(chain.PairABI, "Burn", lg, 3)
	if err != nil {
		return nil, err
	}
	a0, err := bigArg(vals, 0, "Burn")
	if err != nil {
		return nil, err
	}
	a1, err := bigArg(vals, 1, "Burn")
	if err != nil {
		return nil, err
	}
	return &domain.BurnEvent{
		EventMeta: meta,
		Sender:    topicAddress(lg, 1),
		To:        topicAddress(lg, 2),
		Amount0:   a0,
		Amount1:   a1,
	}, nil
}

// unpack checks the topic count and decodes the non-indexed fields of event.
func unpack(contract abi.ABI, event string, lg types.Log, topics int) ([]any, error) {
	if len(lg.Topics) != topics {
		return nil, fmt.Errorf("%w: %s expects %d topics, got %d", ErrMalformedEvent, event, topics, len(lg.Topics))
	}
	vals, err := contract.Unpack(event, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event, err)
	}
	return vals, nil
}

func bigArg(vals []any, i int, event string) (*big.Int, error) {
	if i >= len(vals) {
		return nil, fmt.Errorf("%w: %s missing field %d", ErrMalformedEvent, event, i)
	}
	v, ok := vals[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s field %d is %T", ErrMalformedEvent, event, i, vals[i])
	}
	return v, nil
}

func topicAddress(lg types.Log, i int) string {
	return chain.AddressHex(common.BytesToAddress(lg.Topics[i].Bytes()))
}
