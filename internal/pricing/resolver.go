// Package pricing turns raw swap amounts and pool reserves into per-token
// prices in quote-asset units and in fiat.
package pricing

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"amm-analytics/internal/cache"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// DefaultFee is the proportional swap fee taken from the input amount.
const DefaultFee = 0.003

// Graph exposes the committed tokens and pairs used for routing.
type Graph interface {
	Token(address string) (*domain.Token, bool)
	Pair(address string) (*domain.Pair, bool)
	PairsForToken(token string) []*domain.Pair
}

// SnapshotSource returns the latest durable price of a token.
type SnapshotSource interface {
	GetLatest(ctx context.Context, token string) (*domain.TokenMetricSnapshot, error)
}

// PriceCache holds resolved fiat prices per token.
type PriceCache = cache.TTL[string, float64]

// NewPriceCache creates the process-wide price cache.
func NewPriceCache(ttl time.Duration) *PriceCache {
	return cache.NewTTL[string, float64](100_000, ttl)
}

// Config configures a Resolver.
type Config struct {
	QuoteAsset     string
	QuoteFiatPrice float64       // fixed fiat price of the quote asset
	Fee            float64       // Default: 0.003
	MaxHops        int           // Default: 3
	SnapshotMaxAge time.Duration // 0 accepts snapshots of any age
}

// PriceResult is the outcome of pricing one swap.
type PriceResult struct {
	Prices       domain.TradePrices
	Type         domain.TradeType
	BaseIsToken0 bool
	PriceImpact  float64
}

// Resolver prices swaps. It is safe for concurrent use.
type Resolver struct {
	graph     Graph
	snapshots SnapshotSource
	prices    *PriceCache
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

// NewResolver creates a resolver. snapshots may be nil.
func NewResolver(graph Graph, snapshots SnapshotSource, prices *PriceCache, cfg Config, log *zap.Logger) *Resolver {
	if cfg.Fee == 0 {
		cfg.Fee = DefaultFee
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	if prices == nil {
		prices = NewPriceCache(30 * time.Second)
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.QuoteAsset = domain.NormalizeAddress(cfg.QuoteAsset)
	return &Resolver{
		graph:     graph,
		snapshots: snapshots,
		prices:    prices,
		cfg:       cfg,
		log:       log.Named("pricing"),
		now:       time.Now,
	}
}

// QuoteAsset returns the normalized quote asset address.
func (r *Resolver) QuoteAsset() string {
	return r.cfg.QuoteAsset
}

// QuoteFiatPrice returns the fixed fiat price of the quote asset.
func (r *Resolver) QuoteFiatPrice() float64 {
	return r.cfg.QuoteFiatPrice
}

// BaseIsToken0 reports which side of pair is the display (base) token.
// A pair with the quote asset is based on the other token; any other pair is
// based on token0, the lower address.
func (r *Resolver) BaseIsToken0(pair *domain.Pair) bool {
	return pair.Token0 != r.cfg.QuoteAsset
}

// ResolveSwapPrice prices a swap on pair against the pre-trade reserves.
// It returns nil when the swap does not move both tokens.
func (r *Resolver) ResolveSwapPrice(ctx context.Context, pair *domain.Pair, amount0In, amount1In, amount0Out, amount1Out, reserve0, reserve1 *big.Int) (*PriceResult, error) {
	moved0 := netAmount(amount0In, amount0Out)
	moved1 := netAmount(amount1In, amount1Out)
	if moved0.Sign() == 0 || moved1.Sign() == 0 {
		return nil, nil
	}

	d0, d1 := r.decimals(pair.Token0), r.decimals(pair.Token1)
	human0, human1 := human(moved0, d0), human(moved1, d1)
	if human0 == 0 || human1 == 0 {
		return nil, nil
	}

	// Execution price of token0 in token1 units and its reciprocal.
	exec0 := human1 / human0
	exec1 := human0 / human1

	res := &PriceResult{BaseIsToken0: r.BaseIsToken0(pair)}

	fiat0, fiat1, resolved, err := r.fiatPrices(ctx, pair, exec0, exec1, res.BaseIsToken0)
	if err != nil {
		return nil, err
	}

	p := domain.TradePrices{Resolved: resolved}
	switch {
	case pair.Token0 == r.cfg.QuoteAsset:
		p.Token0Quote, p.Token1Quote = 1, exec1
	case pair.Token1 == r.cfg.QuoteAsset:
		p.Token0Quote, p.Token1Quote = exec0, 1
	case resolved && r.cfg.QuoteFiatPrice > 0:
		p.Token0Quote = fiat0 / r.cfg.QuoteFiatPrice
		p.Token1Quote = fiat1 / r.cfg.QuoteFiatPrice
	}
	if resolved {
		p.Token0Fiat, p.Token1Fiat = fiat0, fiat1
		if res.BaseIsToken0 {
			p.VolumeFiat = human0 * fiat0
		} else {
			p.VolumeFiat = human1 * fiat1
		}
	}
	res.Prices = p

	// Buy when the base token leaves the pool.
	baseOut := amount0Out
	baseIn := amount0In
	if !res.BaseIsToken0 {
		baseOut, baseIn = amount1Out, amount1In
	}
	res.Type = domain.TradeTypeSell
	if cmpNil(baseOut, baseIn) > 0 {
		res.Type = domain.TradeTypeBuy
	}

	res.PriceImpact = r.priceImpact(amount0In, amount1In, reserve0, reserve1, d0, d1)
	return res, nil
}

// fiatPrices resolves the fiat price of both tokens of a swap.
// When both sides resolve independently, the counter token anchors the trade
// and the base token follows the execution price.
func (r *Resolver) fiatPrices(ctx context.Context, pair *domain.Pair, exec0, exec1 float64, baseIsToken0 bool) (float64, float64, bool, error) {
	q := r.cfg.QuoteFiatPrice
	switch r.cfg.QuoteAsset {
	case pair.Token0:
		return q, exec1 * q, true, nil
	case pair.Token1:
		return exec0 * q, q, true, nil
	}

	counter := pair.Token1
	if !baseIsToken0 {
		counter = pair.Token0
	}
	if price, ok, err := r.tokenPrice(ctx, counter, pair.Address); err != nil {
		return 0, 0, false, err
	} else if ok {
		if baseIsToken0 {
			return exec0 * price, price, true, nil
		}
		return price, exec1 * price, true, nil
	}

	base := pair.Token0
	if !baseIsToken0 {
		base = pair.Token1
	}
	if price, ok, err := r.tokenPrice(ctx, base, pair.Address); err != nil {
		return 0, 0, false, err
	} else if ok {
		if baseIsToken0 {
			return price, exec1 * price, true, nil
		}
		return exec0 * price, price, true, nil
	}
	return 0, 0, false, nil
}

// TokenPrice resolves the current fiat price of token: quote asset, cache,
// latest snapshot, then a multi-hop route.
func (r *Resolver) TokenPrice(ctx context.Context, token string) (float64, bool, error) {
	return r.tokenPrice(ctx, domain.NormalizeAddress(token), "")
}

// tokenPrice resolves token, never routing through the pair being priced.
func (r *Resolver) tokenPrice(ctx context.Context, token, skipPair string) (float64, bool, error) {
	if token == r.cfg.QuoteAsset {
		return r.cfg.QuoteFiatPrice, true, nil
	}
	if price, ok := r.prices.Get(token); ok {
		return price, true, nil
	}

	if r.snapshots != nil {
		snap, err := r.snapshots.GetLatest(ctx, token)
		switch {
		case err == nil:
			fresh := r.cfg.SnapshotMaxAge == 0 || r.now().Unix()-snap.Timestamp <= int64(r.cfg.SnapshotMaxAge/time.Second)
			if snap.PriceFiat > 0 && fresh {
				r.prices.Set(token, snap.PriceFiat)
				return snap.PriceFiat, true, nil
			}
		case errors.Is(err, storage.ErrNotFound):
		case ctx.Err() != nil:
			return 0, false, ctx.Err()
		default:
			r.log.Warn("snapshot lookup failed", zap.String("token", token), zap.Error(err))
		}
	}

	if price, ok := r.route(token, skipPair); ok {
		r.prices.Set(token, price)
		return price, true, nil
	}
	return 0, false, nil
}

// SetPrice records a freshly computed fiat price for token.
func (r *Resolver) SetPrice(token string, price float64) {
	if price > 0 {
		r.prices.Set(domain.NormalizeAddress(token), price)
	}
}

// InvalidatePrice drops the cached price of token.
func (r *Resolver) InvalidatePrice(token string) {
	r.prices.Invalidate(domain.NormalizeAddress(token))
}

// CachedPrice returns the cached fiat price of token, if fresh.
func (r *Resolver) CachedPrice(token string) (float64, bool) {
	if token == r.cfg.QuoteAsset {
		return r.cfg.QuoteFiatPrice, true
	}
	return r.prices.Get(domain.NormalizeAddress(token))
}

// Reprice re-resolves the prices of a stored trade. It returns false while
// no fiat route exists.
func (r *Resolver) Reprice(ctx context.Context, t *domain.Trade) (domain.TradePrices, bool, error) {
	pair, ok := r.graph.Pair(t.Pair)
	if !ok {
		return domain.TradePrices{}, false, nil
	}
	res, err := r.ResolveSwapPrice(ctx, pair, t.Amount0In, t.Amount1In, t.Amount0Out, t.Amount1Out, nil, nil)
	if err != nil || res == nil || !res.Prices.Resolved {
		return domain.TradePrices{}, false, err
	}
	return res.Prices, true, nil
}

func (r *Resolver) decimals(token string) uint8 {
	if t, ok := r.graph.Token(token); ok {
		return t.Decimals
	}
	return 18
}

// netAmount returns |in - out|, treating nil as zero.
func netAmount(in, out *big.Int) *big.Int {
	v := new(big.Int)
	if in != nil {
		v.Add(v, in)
	}
	if out != nil {
		v.Sub(v, out)
	}
	return v.Abs(v)
}

func cmpNil(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

// human scales a raw integer amount by decimals.
func human(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}
