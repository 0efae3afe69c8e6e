// Package metrics periodically rolls ledger trades and pool reserves up into
// append-only token metric snapshots.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/storage"
)

// ErrNoPrice is returned when a token has no resolvable price yet.
var ErrNoPrice = errors.New("no price available")

// Registry exposes committed tokens and their pools.
type Registry interface {
	Tokens() []*domain.Token
	PairsForToken(token string) []*domain.Pair
}

// TradeSource returns ledger trades of a pair with timestamp in [from, to).
type TradeSource interface {
	Query(ctx context.Context, pair string, from, to int64) ([]*domain.Trade, error)
	Latest(ctx context.Context, pair string) (*domain.Trade, error)
}

// Pricer resolves current token prices and accepts fresh ones.
type Pricer interface {
	CachedPrice(token string) (float64, bool)
	TokenPrice(ctx context.Context, token string) (float64, bool, error)
	SetPrice(token string, price float64)
	QuoteFiatPrice() float64
}

// Config configures a Calculator.
type Config struct {
	Interval time.Duration // Default: 1m
	Workers  int           // Default: 8
}

// Calculator computes token metric snapshots. It never writes trades or candles.
type Calculator struct {
	registry  Registry
	trades    TradeSource
	pricer    Pricer
	snapshots storage.TokenMetricStore
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(registry Registry, trades TradeSource, pricer Pricer, snapshots storage.TokenMetricStore, cfg Config, log *zap.Logger) *Calculator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Calculator{
		registry:  registry,
		trades:    trades,
		pricer:    pricer,
		snapshots: snapshots,
		cfg:       cfg,
		log:       log.Named("metrics"),
		now:       time.Now,
	}
}

// Run computes snapshots every interval until ctx is cancelled.
func (c *Calculator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			written, err := c.RunOnce(ctx, c.now())
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("metrics pass", zap.Error(err))
			}
			c.log.Debug("metrics pass finished", zap.Int("snapshots", written))
		}
	}
}

// RunOnce writes one snapshot per priced token at now. Per-token failures
// are logged and counted; the pass continues.
func (c *Calculator) RunOnce(ctx context.Context, now time.Time) (int, error) {
	tokens := c.registry.Tokens()
	if len(tokens) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(c.cfg.Workers)
	if err != nil {
		return 0, fmt.Errorf("create metrics pool: %w", err)
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		written atomic.Int64
		failed  atomic.Int64
	)
	for _, token := range tokens {
		if ctx.Err() != nil {
			break
		}
		tok := token

		wg.Add(1)
		task := func() {
			defer wg.Done()
			snap, err := c.ComputeToken(ctx, tok, now)
			if errors.Is(err, ErrNoPrice) {
				return
			}
			if err == nil {
				err = c.snapshots.Insert(ctx, snap)
				if errors.Is(err, storage.ErrDuplicateKey) {
					return
				}
			}
			observability.RecordSnapshot(err)
			if err != nil {
				failed.Add(1)
				c.log.Warn("token snapshot", zap.String("token", tok.Address), zap.Error(err))
				return
			}
			written.Add(1)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			failed.Add(1)
			c.log.Error("submit metrics task", zap.String("token", tok.Address), zap.Error(err))
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return int(written.Load()), ctx.Err()
	}
	if n := failed.Load(); n > 0 {
		return int(written.Load()), fmt.Errorf("%d of %d token snapshots failed", n, len(tokens))
	}
	return int(written.Load()), nil
}

// ComputeToken builds the snapshot of token at now. It returns ErrNoPrice
// while the token cannot be priced.
func (c *Calculator) ComputeToken(ctx context.Context, token *domain.Token, now time.Time) (*domain.TokenMetricSnapshot, error) {
	pairs := c.registry.PairsForToken(token.Address)

	price, err := c.currentPrice(ctx, token.Address, pairs)
	if err != nil {
		return nil, err
	}
	c.pricer.SetPrice(token.Address, price)

	ts := now.Unix()
	snap := &domain.TokenMetricSnapshot{
		Token:     token.Address,
		Timestamp: ts,
		PriceFiat: price,
		MarketCap: computeMarketCap(token.TotalSupply, token.Decimals, price),
		Liquidity: computeLiquidity(pairs, token.Address, token.Decimals, price),
	}
	if q := c.pricer.QuoteFiatPrice(); q > 0 {
		snap.PriceQuote = price / q
	}

	for _, w := range domain.MetricWindows {
		past, err := c.snapshots.GetLatestAtOrBefore(ctx, token.Address, ts-w.Seconds)
		switch {
		case err == nil:
			snap.SetPriceChange(w.Window, computePriceChange(price, past.PriceFiat))
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("snapshot at %s: %w", w.Window, err)
		}
	}

	var stats windowStats
	for _, p := range pairs {
		trades, err := c.trades.Query(ctx, p.Address, ts-86400, ts+1)
		if err != nil {
			return nil, fmt.Errorf("trades of %s: %w", p.Address, err)
		}
		for _, t := range trades {
			accumulateTrade(&stats, t, p, token.Address, token.Decimals)
		}
	}
	snap.Volume24h = stats.Volume
	snap.Buys24h = stats.Buys
	snap.Sells24h = stats.Sells
	snap.BuyPressure = computeBuyPressure(stats)

	return snap, nil
}

// currentPrice resolves the price of token: the resolver cache, then the
// most recent resolved trade in its pools, then a route.
func (c *Calculator) currentPrice(ctx context.Context, token string, pairs []*domain.Pair) (float64, error) {
	if price, ok := c.pricer.CachedPrice(token); ok && price > 0 {
		return price, nil
	}

	var latest *domain.Trade
	var latestPrice float64
	for _, p := range pairs {
		t, err := c.trades.Latest(ctx, p.Address)
		if err != nil {
			return 0, fmt.Errorf("latest trade of %s: %w", p.Address, err)
		}
		if t == nil || !t.Prices.Resolved {
			continue
		}
		price := t.Prices.Token0Fiat
		if token == p.Token1 {
			price = t.Prices.Token1Fiat
		}
		if price > 0 && (latest == nil || domain.CompareTrades(t, latest) > 0) {
			latest, latestPrice = t, price
		}
	}
	if latest != nil {
		return latestPrice, nil
	}

	price, ok, err := c.pricer.TokenPrice(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("route price: %w", err)
	}
	if !ok || price <= 0 {
		return 0, ErrNoPrice
	}
	return price, nil
}
