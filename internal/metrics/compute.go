package metrics

import (
	"math/big"

	"github.com/shopspring/decimal"

	"amm-analytics/internal/domain"
)

// windowStats are the trade aggregates of one token over a window.
type windowStats struct {
	Volume    float64 // fiat
	BuyVolume float64 // fiat value of the token leaving pools
	Buys      int64
	Sells     int64
}

// computePriceChange returns the percent change from past to current.
// Returns nil when no usable past price exists.
func computePriceChange(current, past float64) *float64 {
	if past <= 0 || current <= 0 {
		return nil
	}
	v := (current - past) / past * 100
	return &v
}

// computeBuyPressure returns buy volume / total volume, 0 without volume.
func computeBuyPressure(s windowStats) float64 {
	if s.Volume <= 0 {
		return 0
	}
	return s.BuyVolume / s.Volume
}

// accumulateTrade adds one resolved trade to the stats of token.
// The trade counts as a buy of token when token left the pool.
func accumulateTrade(s *windowStats, t *domain.Trade, pair *domain.Pair, token string, decimals uint8) {
	if !t.Prices.Resolved {
		return
	}

	var in, out *big.Int
	var price float64
	switch token {
	case pair.Token0:
		in, out, price = t.Amount0In, t.Amount0Out, t.Prices.Token0Fiat
	case pair.Token1:
		in, out, price = t.Amount1In, t.Amount1Out, t.Prices.Token1Fiat
	default:
		return
	}

	inAmount, outAmount := toHuman(in, decimals), toHuman(out, decimals)
	net := outAmount - inAmount
	if net < 0 {
		net = -net
	}
	value := net * price
	s.Volume += value

	if outAmount > inAmount {
		s.Buys++
		s.BuyVolume += value
	} else {
		s.Sells++
	}
}

// computeLiquidity values the token side of each pool at price, doubled for
// the paired side.
func computeLiquidity(pairs []*domain.Pair, token string, decimals uint8, price float64) float64 {
	total := 0.0
	for _, p := range pairs {
		if !p.HasLiquidity() {
			continue
		}
		total += 2 * toHuman(p.ReserveOf(token), decimals) * price
	}
	return total
}

// computeMarketCap returns price × total supply.
func computeMarketCap(supply *big.Int, decimals uint8, price float64) float64 {
	return toHuman(supply, decimals) * price
}

func toHuman(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}
