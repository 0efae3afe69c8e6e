package candles

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/storage/memory"
)

const pair = "0x0000000000000000000000000000000000000a01"

// base is aligned to every timeframe including 1w.
const base int64 = 1_699_488_000

type fixture struct {
	agg    *Aggregator
	store  *memory.CandleStore
	ledger *ledger.Ledger
	clock  *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(ts int64) {
	c.mu.Lock()
	c.t = time.Unix(ts, 0)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu      sync.Mutex
	candles []*domain.Candle
}

func (p *recordingPublisher) PublishCandle(_ context.Context, c *domain.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles = append(p.candles, c)
	return nil
}

type staticPairs []*domain.Pair

func (s staticPairs) Pairs() []*domain.Pair { return s }

func newFixture(t *testing.T, tfs []domain.Timeframe, pubs ...Publisher) *fixture {
	t.Helper()
	store := memory.NewCandleStore()
	l := ledger.New(memory.NewTradeStore(), nil)
	agg := New(store, l, Config{Timeframes: tfs, Grace: 10 * time.Second}, nil, pubs...)
	clk := &clock{}
	clk.set(base)
	agg.now = clk.now
	return &fixture{agg: agg, store: store, ledger: l, clock: clk}
}

func makeTrade(i int, ts int64, price float64) *domain.Trade {
	return &domain.Trade{
		TxHash:       fmt.Sprintf("0x%064x", i+1),
		LogIndex:     uint(i % 3),
		BlockNumber:  uint64(ts/12) + uint64(i),
		Timestamp:    ts,
		Pair:         pair,
		Amount0In:    big.NewInt(1),
		Amount1Out:   big.NewInt(1),
		BaseIsToken0: true,
		Prices: domain.TradePrices{
			Token0Quote: price,
			Token0Fiat:  price * 2,
			VolumeFiat:  10,
			Resolved:    true,
		},
	}
}

func (f *fixture) append(t *testing.T, trades ...*domain.Trade) {
	t.Helper()
	for _, tr := range trades {
		inserted, err := f.ledger.Append(context.Background(), tr)
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

func TestApply_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	trades := make([]*domain.Trade, 40)
	for i := range trades {
		trades[i] = makeTrade(i, base+int64(rng.Intn(300)), 1+rng.Float64())
	}

	var reference map[domain.Timeframe]*domain.Candle
	for round := 0; round < 5; round++ {
		f := newFixture(t, []domain.Timeframe{domain.Timeframe1m, domain.Timeframe5m, domain.Timeframe1h})
		f.clock.set(base + 200)

		shuffled := append([]*domain.Trade(nil), trades...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var wg sync.WaitGroup
		for _, tr := range shuffled {
			wg.Add(1)
			go func(tr *domain.Trade) {
				defer wg.Done()
				assert.NoError(t, f.agg.Apply(context.Background(), tr))
			}(tr)
		}
		wg.Wait()

		got := map[domain.Timeframe]*domain.Candle{}
		for _, tf := range []domain.Timeframe{domain.Timeframe5m, domain.Timeframe1h} {
			c, err := f.store.Get(context.Background(), pair, tf, base)
			require.NoError(t, err)
			got[tf] = c
		}
		if reference == nil {
			reference = got
			continue
		}
		for tf, c := range got {
			assert.Equal(t, reference[tf], c, "round %d tf %s", round, tf)
		}
	}

	want := domain.BuildCandle(pair, domain.Timeframe1h, base, trades)
	assert.Equal(t, want.TradeCount, reference[domain.Timeframe1h].TradeCount)
	assert.InDelta(t, want.Volume, reference[domain.Timeframe1h].Volume, 1e-9)
	assert.Equal(t, want.OpenQuote, reference[domain.Timeframe1h].OpenQuote)
	assert.Equal(t, want.CloseQuote, reference[domain.Timeframe1h].CloseQuote)
}

func TestApply_SkipsUnresolved(t *testing.T) {
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m})
	tr := makeTrade(0, base+5, 1)
	tr.Prices = domain.TradePrices{}

	require.NoError(t, f.agg.Apply(context.Background(), tr))
	_, err := f.store.Get(context.Background(), pair, domain.Timeframe1m, base)
	assert.Error(t, err)
	assert.Equal(t, 0, f.agg.Pending())
}

func TestApply_ClosedBucketLeftToReconcile(t *testing.T) {
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m})
	ctx := context.Background()

	early := makeTrade(0, base+5, 1)
	f.append(t, early)
	require.NoError(t, f.agg.Apply(ctx, early))

	// The bucket [base, base+60) closes at base+70 with a 10s grace.
	f.clock.set(base + 120)
	late := makeTrade(1, base+30, 3)
	f.append(t, late)
	require.NoError(t, f.agg.Apply(ctx, late))

	c, err := f.store.Get(ctx, pair, domain.Timeframe1m, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TradeCount)

	n, err := f.agg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.agg.Pending())

	c, err = f.store.Get(ctx, pair, domain.Timeframe1m, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.TradeCount)
	assert.Equal(t, 3.0, c.HighQuote)
	assert.Equal(t, 1.0, c.OpenQuote)
	assert.Equal(t, 3.0, c.CloseQuote)
}

func TestReconcile_CorrectsDriftAndSkipsOpen(t *testing.T) {
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m})
	ctx := context.Background()

	tr := makeTrade(0, base+5, 1)
	f.append(t, tr)
	// A duplicated incremental update inflates the open bucket.
	require.NoError(t, f.agg.Apply(ctx, tr))
	require.NoError(t, f.agg.Apply(ctx, tr))

	n, err := f.agg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "open bucket must not be reconciled")

	f.clock.set(base + 71)
	n, err = f.agg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := f.store.Get(ctx, pair, domain.Timeframe1m, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.TradeCount)
	assert.Equal(t, 10.0, c.Volume)
}

func TestReconcileRange_RebuildsAndDeletes(t *testing.T) {
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m, domain.Timeframe5m})
	ctx := context.Background()
	f.clock.set(base + 3600)

	f.append(t, makeTrade(0, base+10, 1), makeTrade(1, base+70, 2))
	// Stale bucket with no ledger trades behind it.
	require.NoError(t, f.store.Replace(ctx, &domain.Candle{Pair: pair, Timeframe: domain.Timeframe1m, BucketStart: base + 120, TradeCount: 4}))

	n, err := f.agg.ReconcileRange(ctx, pair, base, base+300)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := f.store.GetRange(ctx, pair, domain.Timeframe1m, base, base+300)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].BucketStart)
	assert.Equal(t, base+60, got[1].BucketStart)

	five, err := f.store.Get(ctx, pair, domain.Timeframe5m, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), five.TradeCount)
	assert.Equal(t, 1.0, five.OpenQuote)
	assert.Equal(t, 2.0, five.CloseQuote)
}

func TestReconcileWindow_SkipsOpenBuckets(t *testing.T) {
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m, domain.Timeframe1h})
	ctx := context.Background()
	f.clock.set(base + 125)

	f.append(t, makeTrade(0, base+10, 1), makeTrade(1, base+121, 2))
	n := f.agg.ReconcileWindow(ctx, staticPairs{{Address: pair}}, time.Hour)
	assert.Equal(t, 1, n)

	_, err := f.store.Get(ctx, pair, domain.Timeframe1h, base)
	assert.Error(t, err, "open hourly bucket belongs to the incremental path")
	_, err = f.store.Get(ctx, pair, domain.Timeframe1m, base+120)
	assert.Error(t, err)
}

func TestCurrentAndPublish(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, []domain.Timeframe{domain.Timeframe1m}, pub)
	ctx := context.Background()
	f.clock.set(base + 30)

	c, err := f.agg.Current(ctx, pair, domain.Timeframe1m)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, f.agg.Apply(ctx, makeTrade(0, base+10, 1)))
	require.NoError(t, f.agg.Apply(ctx, makeTrade(1, base+20, 5)))

	c, err = f.agg.Current(ctx, pair, domain.Timeframe1m)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 5.0, c.CloseQuote)

	require.Len(t, pub.candles, 2)
	assert.Equal(t, int64(2), pub.candles[1].TradeCount)
}
