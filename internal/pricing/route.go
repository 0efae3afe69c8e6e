package pricing

import (
	"math"
	"math/big"

	"amm-analytics/internal/domain"
)

// SpotPrice returns the price of token in units of the other pair token from
// reserves, scaled by decimals. It returns 0 when the pool is empty or token
// is not in the pair.
func SpotPrice(pair *domain.Pair, token string, decimals0, decimals1 uint8) float64 {
	if !pair.HasLiquidity() {
		return 0
	}
	r0, r1 := human(pair.Reserve0, decimals0), human(pair.Reserve1, decimals1)
	if r0 == 0 || r1 == 0 {
		return 0
	}
	switch token {
	case pair.Token0:
		return r1 / r0
	case pair.Token1:
		return r0 / r1
	}
	return 0
}

// spot returns SpotPrice using registered decimals.
func (r *Resolver) spot(pair *domain.Pair, token string) float64 {
	return SpotPrice(pair, token, r.decimals(pair.Token0), r.decimals(pair.Token1))
}

// hop is a BFS frontier entry: factor is the routed token's price in units of token.
type hop struct {
	token  string
	factor float64
	depth  int
}

// route searches breadth-first, up to MaxHops pairs, for a path from token to
// the quote asset or to a token with a cached price, multiplying reserve
// ratios along the way. Empty pools and skipPair are not traversed.
func (r *Resolver) route(token, skipPair string) (float64, bool) {
	visited := map[string]bool{token: true}
	queue := []hop{{token: token, factor: 1}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= r.cfg.MaxHops {
			continue
		}

		var next []hop
		for _, pair := range r.graph.PairsForToken(cur.token) {
			if pair.Address == skipPair || !pair.HasLiquidity() {
				continue
			}
			other, _ := pair.Other(cur.token)
			if visited[other] {
				continue
			}
			ratio := r.spot(pair, cur.token)
			if ratio == 0 || math.IsInf(ratio, 0) || math.IsNaN(ratio) {
				continue
			}
			factor := cur.factor * ratio

			if other == r.cfg.QuoteAsset {
				return factor * r.cfg.QuoteFiatPrice, true
			}
			next = append(next, hop{token: other, factor: factor, depth: cur.depth + 1})
		}

		// An already priced neighbour ends the search at this depth.
		for _, h := range next {
			if price, ok := r.prices.Get(h.token); ok {
				return h.factor * price, true
			}
		}
		for _, h := range next {
			if !visited[h.token] {
				visited[h.token] = true
				queue = append(queue, h)
			}
		}
	}
	return 0, false
}

// priceImpact compares the pre-trade spot price with the execution price of
// the input amount after the fee: out = in*(1-fee)*rOut / (rIn + in*(1-fee)).
func (r *Resolver) priceImpact(amount0In, amount1In, reserve0, reserve1 *big.Int, d0, d1 uint8) float64 {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return 0
	}

	in, rIn, rOut := human(amount0In, d0), human(reserve0, d0), human(reserve1, d1)
	if cmpNil(amount1In, nil) > 0 && (amount0In == nil || amount0In.Sign() == 0) {
		in, rIn, rOut = human(amount1In, d1), human(reserve1, d1), human(reserve0, d0)
	}
	if in <= 0 || rIn <= 0 || rOut <= 0 {
		return 0
	}

	inAfterFee := in * (1 - r.cfg.Fee)
	out := inAfterFee * rOut / (rIn + inAfterFee)
	if out <= 0 {
		return 0
	}

	// Output token priced in input units.
	spot := rIn / rOut
	exec := in / out
	return math.Abs(spot-exec) / spot
}
