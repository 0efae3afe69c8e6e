package metrics

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/storage/memory"
)

const (
	quote = "0x00000000000000000000000000000000000000ee"
	pairA = "0x0000000000000000000000000000000000000a01"
)

type fakeRegistry struct {
	tokens []*domain.Token
	pairs  map[string][]*domain.Pair
}

func (r *fakeRegistry) Tokens() []*domain.Token { return r.tokens }

func (r *fakeRegistry) PairsForToken(token string) []*domain.Pair { return r.pairs[token] }

type fakePricer struct {
	mu     sync.Mutex
	cached map[string]float64
	routed map[string]float64
	set    map[string]float64
}

func newFakePricer() *fakePricer {
	return &fakePricer{cached: map[string]float64{}, routed: map[string]float64{}, set: map[string]float64{}}
}

func (p *fakePricer) CachedPrice(token string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cached[token]
	return v, ok
}

func (p *fakePricer) TokenPrice(_ context.Context, token string) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.routed[token]
	return v, ok, nil
}

func (p *fakePricer) SetPrice(token string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set[token] = price
}

func (p *fakePricer) QuoteFiatPrice() float64 { return 2 }

type fixture struct {
	calc      *Calculator
	ledger    *ledger.Ledger
	snapshots *memory.TokenMetricStore
	pricer    *fakePricer
}

var now = time.Unix(1_700_000_000, 0)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pair := &domain.Pair{
		Address:  pairA,
		Token0:   tokenA,
		Token1:   quote,
		Reserve0: ether(100),
		Reserve1: ether(200),
	}
	reg := &fakeRegistry{
		tokens: []*domain.Token{
			{Address: tokenA, Decimals: 18, TotalSupply: ether(1000)},
			{Address: tokenB, Decimals: 18},
		},
		pairs: map[string][]*domain.Pair{tokenA: {pair}},
	}
	l := ledger.New(memory.NewTradeStore(), nil)
	snaps := memory.NewTokenMetricStore()
	pricer := newFakePricer()
	calc := NewCalculator(reg, l, pricer, snaps, Config{Workers: 2}, nil)
	return &fixture{calc: calc, ledger: l, snapshots: snaps, pricer: pricer}
}

func (f *fixture) appendTrade(t *testing.T, tx string, ts int64, a0in, a0out *big.Int, priceA float64) {
	t.Helper()
	tr := &domain.Trade{
		TxHash:       tx,
		BlockNumber:  uint64(ts),
		Timestamp:    ts,
		Pair:         pairA,
		Amount0In:    a0in,
		Amount0Out:   a0out,
		Amount1In:    ether(1),
		Amount1Out:   ether(1),
		BaseIsToken0: true,
		Prices:       domain.TradePrices{Token0Fiat: priceA, Token1Fiat: 2, Resolved: true},
	}
	_, err := f.ledger.Append(context.Background(), tr)
	require.NoError(t, err)
}

func TestComputeToken_FromLatestTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := now.Unix()

	f.appendTrade(t, "0x01", ts-3600, nil, ether(2), 3)
	f.appendTrade(t, "0x02", ts-60, ether(1), nil, 4)
	// Outside the 24h window.
	f.appendTrade(t, "0x03", ts-2*86400, nil, ether(50), 1)

	require.NoError(t, f.snapshots.Insert(ctx, &domain.TokenMetricSnapshot{Token: tokenA, Timestamp: ts - 7200, PriceFiat: 2}))

	snap, err := f.calc.ComputeToken(ctx, &domain.Token{Address: tokenA, Decimals: 18, TotalSupply: ether(1000)}, now)
	require.NoError(t, err)

	assert.Equal(t, 4.0, snap.PriceFiat)
	assert.Equal(t, 2.0, snap.PriceQuote)
	assert.InDelta(t, 4000, snap.MarketCap, 1e-6)
	assert.InDelta(t, 800, snap.Liquidity, 1e-6)
	assert.InDelta(t, 10, snap.Volume24h, 1e-9)
	assert.Equal(t, int64(1), snap.Buys24h)
	assert.Equal(t, int64(1), snap.Sells24h)
	assert.InDelta(t, 0.6, snap.BuyPressure, 1e-9)

	require.NotNil(t, snap.PriceChange1h)
	assert.InDelta(t, 100, *snap.PriceChange1h, 1e-9)
	require.NotNil(t, snap.PriceChange5m)
	assert.Nil(t, snap.PriceChange6h, "no snapshot that old")
	assert.Nil(t, snap.PriceChange30d)

	assert.Equal(t, 4.0, f.pricer.set[tokenA])
}

func TestComputeToken_CacheFirstThenRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendTrade(t, "0x01", now.Unix()-60, ether(1), nil, 4)

	f.pricer.cached[tokenA] = 5
	snap, err := f.calc.ComputeToken(ctx, &domain.Token{Address: tokenA, Decimals: 18}, now)
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.PriceFiat)

	_, err = f.calc.ComputeToken(ctx, &domain.Token{Address: tokenB, Decimals: 18}, now)
	assert.True(t, errors.Is(err, ErrNoPrice))

	f.pricer.routed[tokenB] = 0.5
	snap, err = f.calc.ComputeToken(ctx, &domain.Token{Address: tokenB, Decimals: 18}, now)
	require.NoError(t, err)
	assert.Equal(t, 0.5, snap.PriceFiat)
	assert.Zero(t, snap.Volume24h)
}

func TestRunOnce_AppendOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.appendTrade(t, "0x01", now.Unix()-60, ether(1), nil, 4)

	written, err := f.calc.RunOnce(ctx, now)
	require.NoError(t, err)
	// tokenB has no price and is skipped.
	assert.Equal(t, 1, written)

	// Same timestamp again: the existing row is kept.
	written, err = f.calc.RunOnce(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	written, err = f.calc.RunOnce(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	latest, err := f.snapshots.GetLatest(ctx, tokenA)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), latest.Timestamp)
	require.NotNil(t, latest.PriceChange5m)
	assert.InDelta(t, 0, *latest.PriceChange5m, 1e-9)
}

func TestRunOnce_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.calc.RunOnce(ctx, now)
	assert.ErrorIs(t, err, context.Canceled)
}
