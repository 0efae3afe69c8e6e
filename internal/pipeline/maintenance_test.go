package pipeline

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chainstub "amm-analytics/internal/chain/stub"
	"amm-analytics/internal/domain"
)

const pairAB = "0x0000000000000000000000000000000000000ab1"

type countingRefresher struct{ calls atomic.Int32 }

func (r *countingRefresher) RefreshTokens(context.Context) int {
	r.calls.Add(1)
	return 0
}

func TestMaintainer_RepricesAndAppliesCandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.reader.Pairs[pairAB] = &chainstub.PairInfo{Token0: tokenA, Token1: tokenB, Factory: factory}

	d := NewDispatcher(f.proc, DispatcherConfig{Shards: 2}, nil)
	d.Start(ctx)
	m := NewMaintainer(f.ledger, f.resolver, f.candles, f.notifier, d, f.proc, nil, MaintenanceConfig{}, nil)

	now := time.Now().Unix()
	swap := &domain.SwapEvent{
		EventMeta:  meta(pairAB, "0xab", 1, now),
		Amount0In:  eth(10),
		Amount1In:  big.NewInt(0),
		Amount0Out: big.NewInt(0),
		Amount1Out: eth(5),
	}
	require.NoError(t, d.Submit(ctx, swap))
	require.NoError(t, d.Wait(ctx))

	trades, err := f.ledger.Query(ctx, pairAB, 0, now+1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.False(t, trades[0].Prices.Resolved, "no route to the quote asset yet")

	c, err := f.candles.Current(ctx, pairAB, domain.Timeframe1h)
	require.NoError(t, err)
	assert.Nil(t, c, "unresolved trades stay out of candles")

	n, err := m.Reprice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A tokenB/weth pool with liquidity opens a route: 1000 B / 10 weth.
	sync := &domain.SyncEvent{EventMeta: meta(pairBW, "0xb0", 1, now), Reserve0: eth(1000), Reserve1: eth(10)}
	require.NoError(t, d.Submit(ctx, sync))
	require.NoError(t, d.Wait(ctx))

	require.NoError(t, m.RunOnce(ctx))
	require.NoError(t, d.Wait(ctx))

	trades, err = f.ledger.Query(ctx, pairAB, 0, now+1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.True(t, tr.Prices.Resolved)
	assert.InDelta(t, 20.0, tr.Prices.Token1Fiat, 1e-9)
	assert.InDelta(t, 10.0, tr.Prices.Token0Fiat, 1e-9, "half a B per A")

	c, err = f.candles.Current(ctx, pairAB, domain.Timeframe1h)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.TradeCount)
	assert.Equal(t, 2, f.notifier.count(), "unresolved insert and reprice are both published")

	// Already resolved: nothing left to do.
	n, err = m.Reprice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMaintainer_TokenRefreshCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	d := NewDispatcher(f.proc, DispatcherConfig{Shards: 1}, nil)
	d.Start(ctx)

	refresher := &countingRefresher{}
	m := NewMaintainer(f.ledger, f.resolver, f.candles, nil, d, f.proc, nil, MaintenanceConfig{}, nil).
		WithTokenRefresh(refresher, time.Hour)

	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }

	require.NoError(t, m.RunOnce(ctx))
	require.NoError(t, m.RunOnce(ctx))
	assert.Equal(t, int32(1), refresher.calls.Load())

	clock = clock.Add(time.Hour)
	require.NoError(t, m.RunOnce(ctx))
	assert.Equal(t, int32(2), refresher.calls.Load())
}
