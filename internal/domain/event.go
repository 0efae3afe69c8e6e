package domain

import "math/big"

// EventMeta locates a decoded log on chain.
type EventMeta struct {
	Address     string // emitting contract
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Timestamp   int64 // block timestamp, unix seconds
}

// Meta returns the event location.
func (m EventMeta) Meta() EventMeta { return m }

// ChainEvent is the closed set of decoded AMM events:
// *PairCreatedEvent, *SwapEvent, *SyncEvent, *MintEvent, *BurnEvent.
type ChainEvent interface {
	Meta() EventMeta
	chainEvent()
}

// PairCreatedEvent is emitted by the factory for every new pair.
type PairCreatedEvent struct {
	EventMeta
	Token0 string
	Token1 string
	Pair   string
	Index  uint64 // position in factory allPairs
}

// SwapEvent is emitted by a pair for every trade.
type SwapEvent struct {
	EventMeta
	Sender     string
	To         string
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// SyncEvent carries the pair reserves after a state change.
type SyncEvent struct {
	EventMeta
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// MintEvent is emitted when liquidity is added.
type MintEvent struct {
	EventMeta
	Sender  string
	Amount0 *big.Int
	Amount1 *big.Int
}

// BurnEvent is emitted when liquidity is removed.
type BurnEvent struct {
	EventMeta
	Sender  string
	To      string
	Amount0 *big.Int
	Amount1 *big.Int
}

func (*PairCreatedEvent) chainEvent() {}
func (*SwapEvent) chainEvent()        {}
func (*SyncEvent) chainEvent()        {}
func (*MintEvent) chainEvent()        {}
func (*BurnEvent) chainEvent()        {}

// PairKey returns the pair address an event belongs to.
// Events for the same pair must be processed in order.
func PairKey(ev ChainEvent) string {
	if pc, ok := ev.(*PairCreatedEvent); ok {
		return pc.Pair
	}
	return ev.Meta().Address
}

// EventName returns a short label for logs and metrics.
func EventName(ev ChainEvent) string {
	switch ev.(type) {
	case *PairCreatedEvent:
		return "pair_created"
	case *SwapEvent:
		return "swap"
	case *SyncEvent:
		return "sync"
	case *MintEvent:
		return "mint"
	case *BurnEvent:
		return "burn"
	}
	return "unknown"
}
