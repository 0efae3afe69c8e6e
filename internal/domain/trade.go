package domain

import "math/big"

// TradeType is the direction of a trade relative to the pair's base token.
type TradeType string

// Trade type constants
const (
	TradeTypeBuy  TradeType = "buy"  // base token left the pool
	TradeTypeSell TradeType = "sell" // base token entered the pool
)

// ordinalStride separates block numbers from log indexes in Ordinal.
const ordinalStride = 100_000

// Trade represents one decoded and priced Swap event.
// Corresponds to trades table in PostgreSQL. Immutable once inserted,
// except for the one-time fill of prices on an unresolved trade.
type Trade struct {
	TxHash      string // transaction hash (lower-case hex)
	LogIndex    uint   // log index within the block
	BlockNumber uint64 // block number
	Timestamp   int64  // block timestamp, unix seconds
	Pair        string // FK to pairs

	Amount0In  *big.Int // raw amount of token0 sent to the pool
	Amount1In  *big.Int // raw amount of token1 sent to the pool
	Amount0Out *big.Int // raw amount of token0 sent by the pool
	Amount1Out *big.Int // raw amount of token1 sent by the pool

	Prices TradePrices

	Type         TradeType // relative to base token
	BaseIsToken0 bool      // which side is the display token
	PriceImpact  float64   // |spot - exec| / spot
	Maker        string    // recipient of the swap output
}

// TradePrices holds the resolved price columns of a trade.
// These are the only columns filled after insert, and only once.
type TradePrices struct {
	Token0Quote float64 // token0 price in quote-asset units
	Token1Quote float64 // token1 price in quote-asset units
	Token0Fiat  float64 // token0 price in fiat
	Token1Fiat  float64 // token1 price in fiat
	VolumeFiat  float64 // traded base amount valued in fiat
	Resolved    bool    // false while no fiat route exists
}

// Ordinal returns a sortable on-chain position (block, log index).
func (t *Trade) Ordinal() int64 {
	return int64(t.BlockNumber)*ordinalStride + int64(t.LogIndex)
}

// BasePriceQuote returns the base token price in quote units.
func (t *Trade) BasePriceQuote() float64 {
	if t.BaseIsToken0 {
		return t.Prices.Token0Quote
	}
	return t.Prices.Token1Quote
}

// BasePriceFiat returns the base token price in fiat.
func (t *Trade) BasePriceFiat() float64 {
	if t.BaseIsToken0 {
		return t.Prices.Token0Fiat
	}
	return t.Prices.Token1Fiat
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	c.Amount0In = CloneInt(t.Amount0In)
	c.Amount1In = CloneInt(t.Amount1In)
	c.Amount0Out = CloneInt(t.Amount0Out)
	c.Amount1Out = CloneInt(t.Amount1Out)
	return &c
}

// CompareTrades orders trades by (timestamp, block, log index).
func CompareTrades(a, b *Trade) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	ao, bo := a.Ordinal(), b.Ordinal()
	if ao != bo {
		if ao < bo {
			return -1
		}
		return 1
	}
	return 0
}
