package pipeline

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-analytics/internal/candles"
	"amm-analytics/internal/chain"
	chainstub "amm-analytics/internal/chain/stub"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/pricing"
	"amm-analytics/internal/registry"
	"amm-analytics/internal/retry"
	"amm-analytics/internal/storage"
	"amm-analytics/internal/storage/memory"
)

const (
	factory = "0x00000000000000000000000000000000000000f1"
	weth    = "0x00000000000000000000000000000000000000e0"
	tokenA  = "0x00000000000000000000000000000000000000a0"
	tokenB  = "0x00000000000000000000000000000000000000b0"
	pairAW  = "0x0000000000000000000000000000000000000a01"
	pairBW  = "0x0000000000000000000000000000000000000b01"
	pairFW  = "0x0000000000000000000000000000000000000f01"
)

var ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func eth(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), ether) }

// failingTokenStore fails inserts for selected addresses.
type failingTokenStore struct {
	storage.TokenStore
	mu   sync.Mutex
	fail map[string]error
}

func (s *failingTokenStore) Insert(ctx context.Context, t *domain.Token) error {
	s.mu.Lock()
	err := s.fail[t.Address]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.TokenStore.Insert(ctx, t)
}

func (s *failingTokenStore) setFail(addr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, addr)
		return
	}
	s.fail[addr] = err
}

// flakyTradeStore fails the next inserts with a transient error.
type flakyTradeStore struct {
	storage.TradeStore
	mu       sync.Mutex
	failures int // remaining failing inserts, negative fails every insert
	calls    int
}

func (s *flakyTradeStore) InsertIgnore(ctx context.Context, t *domain.Trade) (bool, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return false, storage.ErrUnavailable
	}
	return s.TradeStore.InsertIgnore(ctx, t)
}

func (s *flakyTradeStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyTradeStore) insertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (n *recordingNotifier) PublishTrade(_ context.Context, t *domain.Trade) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trades = append(n.trades, t)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.trades)
}

type fixture struct {
	reader   *chainstub.Reader
	tokens   *failingTokenStore
	trades   *flakyTradeStore
	reg      *registry.Registry
	resolver *pricing.Resolver
	ledger   *ledger.Ledger
	candles  *candles.Aggregator
	notifier *recordingNotifier
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := chainstub.NewReader()
	reader.Tokens[weth] = &chain.TokenMetadata{Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18}
	reader.Tokens[tokenA] = &chain.TokenMetadata{Symbol: "AAA", Name: "Token A", Decimals: 18}
	reader.Tokens[tokenB] = &chain.TokenMetadata{Symbol: "BBB", Name: "Token B", Decimals: 18}
	reader.Pairs[pairAW] = &chainstub.PairInfo{Token0: tokenA, Token1: weth, Factory: factory}
	reader.Pairs[pairBW] = &chainstub.PairInfo{Token0: tokenB, Token1: weth, Factory: factory}
	reader.Pairs[pairFW] = &chainstub.PairInfo{Token0: tokenA, Token1: weth, Factory: "0x00000000000000000000000000000000000000f2"}

	tokens := &failingTokenStore{TokenStore: memory.NewTokenStore(), fail: map[string]error{}}
	reg := registry.New(reader, tokens, memory.NewPairStore(tokens), registry.Config{
		QuoteAsset: weth,
		Factory:    factory,
	}, nil)
	resolver := pricing.NewResolver(reg, nil, nil, pricing.Config{QuoteAsset: weth, QuoteFiatPrice: 2000}, nil)
	trades := &flakyTradeStore{TradeStore: memory.NewTradeStore()}
	led := ledger.New(trades, nil)
	agg := candles.New(memory.NewCandleStore(), led, candles.Config{Timeframes: []domain.Timeframe{domain.Timeframe1h}}, nil)
	notifier := &recordingNotifier{}

	return &fixture{
		reader:   reader,
		tokens:   tokens,
		trades:   trades,
		reg:      reg,
		resolver: resolver,
		ledger:   led,
		candles:  agg,
		notifier: notifier,
		proc: NewProcessor(reg, resolver, led, agg, notifier, nil).
			WithStorageRetry(retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 2}, time.Second),
	}
}

// amountOut applies the constant-product formula with a 0.3% fee.
func amountOut(in, reserveIn, reserveOut *big.Int) *big.Int {
	inFee := new(big.Int).Mul(in, big.NewInt(997))
	num := new(big.Int).Mul(inFee, reserveOut)
	den := new(big.Int).Add(new(big.Int).Mul(reserveIn, big.NewInt(1000)), inFee)
	return num.Div(num, den)
}

func meta(pair, tx string, index uint, ts int64) domain.EventMeta {
	return domain.EventMeta{Address: pair, BlockNumber: 100, TxHash: tx, LogIndex: index, Timestamp: ts}
}

// swapTx returns the Sync and Swap of one weth-in swap against reserves r0/r1.
func swapTx(pair, tx string, ts int64, r0, r1, in *big.Int) (*domain.SyncEvent, *domain.SwapEvent) {
	out := amountOut(in, r1, r0)
	sync := &domain.SyncEvent{
		EventMeta: meta(pair, tx, 1, ts),
		Reserve0:  new(big.Int).Sub(r0, out),
		Reserve1:  new(big.Int).Add(r1, in),
	}
	swap := &domain.SwapEvent{
		EventMeta:  meta(pair, tx, 2, ts),
		Sender:     "0x00000000000000000000000000000000000000d1",
		To:         "0x00000000000000000000000000000000000000d2",
		Amount0In:  big.NewInt(0),
		Amount1In:  in,
		Amount0Out: out,
		Amount1Out: big.NewInt(0),
	}
	return sync, swap
}

func TestProcessor_SwapPricedDirectly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Unix()

	sync, swap := swapTx(pairAW, "0xaa", now, eth(1000), eth(10), eth(1))
	require.NoError(t, f.proc.Handle(ctx, sync))
	require.NoError(t, f.proc.Handle(ctx, swap))

	pair, ok := f.reg.Pair(pairAW)
	require.True(t, ok)
	assert.Equal(t, 0, pair.Reserve0.Cmp(sync.Reserve0))
	assert.Equal(t, 0, pair.Reserve1.Cmp(sync.Reserve1))

	trades, err := f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]

	outHuman, _ := new(big.Float).Quo(new(big.Float).SetInt(swap.Amount0Out), new(big.Float).SetInt(ether)).Float64()
	exec := 1 / outHuman
	assert.True(t, tr.Prices.Resolved)
	assert.InDelta(t, exec, tr.Prices.Token0Quote, 1e-12)
	assert.InDelta(t, 1.0, tr.Prices.Token1Quote, 1e-12)
	assert.InDelta(t, exec*2000, tr.Prices.Token0Fiat, 1e-9)
	assert.InDelta(t, 2000.0, tr.Prices.Token1Fiat, 1e-9)
	assert.InDelta(t, outHuman*exec*2000, tr.Prices.VolumeFiat, 1e-6)
	assert.True(t, tr.BaseIsToken0)
	assert.Equal(t, domain.TradeTypeBuy, tr.Type)
	assert.Greater(t, tr.PriceImpact, 0.0)
	assert.Equal(t, swap.To, tr.Maker)

	price, ok := f.resolver.CachedPrice(tokenA)
	require.True(t, ok, "resolved swap should cache the token price")
	assert.InDelta(t, exec*2000, price, 1e-9)

	c, err := f.candles.Current(ctx, pairAW, domain.Timeframe1h)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.TradeCount)
	assert.InDelta(t, exec*2000, c.CloseFiat, 1e-9)
	assert.Equal(t, 1, f.notifier.count())
}

func TestProcessor_ReplayedSwapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Unix()

	sync, swap := swapTx(pairAW, "0xaa", now, eth(1000), eth(10), eth(1))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.proc.Handle(ctx, sync))
		require.NoError(t, f.proc.Handle(ctx, swap))
	}

	trades, err := f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	c, err := f.candles.Current(ctx, pairAW, domain.Timeframe1h)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(1), c.TradeCount)
	assert.Equal(t, 1, f.notifier.count())
}

func TestProcessor_DegenerateSwapSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Unix()

	swap := &domain.SwapEvent{
		EventMeta:  meta(pairAW, "0xbb", 1, now),
		Amount0In:  big.NewInt(5),
		Amount0Out: big.NewInt(5),
		Amount1In:  big.NewInt(0),
		Amount1Out: big.NewInt(0),
	}
	require.NoError(t, f.proc.Handle(ctx, swap))

	trades, err := f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestProcessor_ForeignPairIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Unix()

	sync, swap := swapTx(pairFW, "0xcc", now, eth(1000), eth(10), eth(1))
	require.NoError(t, f.proc.Handle(ctx, sync))
	require.NoError(t, f.proc.Handle(ctx, swap))

	_, ok := f.reg.Pair(pairFW)
	assert.False(t, ok)
	assert.Empty(t, f.proc.Parked())

	trades, err := f.ledger.Query(ctx, pairFW, 0, now+1)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestProcessor_MintRefreshesSupply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reader.Pairs[pairAW].TotalSupply = big.NewInt(500)

	mint := &domain.MintEvent{
		EventMeta: meta(pairAW, "0xdd", 3, time.Now().Unix()),
		Amount0:   eth(1),
		Amount1:   eth(1),
	}
	require.NoError(t, f.proc.Handle(ctx, mint))

	pair, ok := f.reg.Pair(pairAW)
	require.True(t, ok)
	assert.Equal(t, int64(500), pair.TotalSupply.Int64())
}

func TestProcessor_DeferredPairParkedAndReplayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.tokens.setFail(tokenB, errors.New("connection refused"))

	d := NewDispatcher(f.proc, DispatcherConfig{Shards: 2}, nil)
	d.Start(ctx)

	now := time.Now().Unix()
	sync1, swap1 := swapTx(pairBW, "0xe1", now, eth(1000), eth(10), eth(1))
	sync2, swap2 := swapTx(pairBW, "0xe2", now, sync1.Reserve0, sync1.Reserve1, eth(2))
	for _, ev := range []domain.ChainEvent{sync1, swap1, sync2, swap2} {
		require.NoError(t, d.Submit(ctx, ev))
	}
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, []string{pairBW}, f.proc.Parked())
	assert.Contains(t, f.reg.Deferred(), pairBW)
	_, ok := f.reg.Pair(pairBW)
	assert.False(t, ok)

	// Still failing: the retry keeps the events parked.
	assert.Equal(t, 1, f.proc.RetryParked(ctx, d))
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, []string{pairBW}, f.proc.Parked())

	f.tokens.setFail(tokenB, nil)
	assert.Equal(t, 1, f.proc.RetryParked(ctx, d))
	require.NoError(t, d.Wait(ctx))

	assert.Empty(t, f.proc.Parked())
	assert.NotContains(t, f.reg.Deferred(), pairBW)

	pair, ok := f.reg.Pair(pairBW)
	require.True(t, ok)
	assert.Equal(t, 0, pair.Reserve0.Cmp(sync2.Reserve0))

	trades, err := f.ledger.Query(ctx, pairBW, 0, now+1)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "0xe1", trades[0].TxHash)
	assert.Equal(t, "0xe2", trades[1].TxHash)
	assert.True(t, trades[1].Prices.Resolved)
}

func TestProcessor_PairCreatedDrainsParked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tokens.setFail(tokenB, errors.New("connection refused"))

	now := time.Now().Unix()
	sync, swap := swapTx(pairBW, "0xf1", now, eth(1000), eth(10), eth(1))
	require.NoError(t, f.proc.Handle(ctx, sync))
	require.NoError(t, f.proc.Handle(ctx, swap))
	require.Equal(t, []string{pairBW}, f.proc.Parked())

	f.tokens.setFail(tokenB, nil)
	created := &domain.PairCreatedEvent{
		EventMeta: meta(factory, "0xf0", 0, now),
		Token0:    tokenB,
		Token1:    weth,
		Pair:      pairBW,
	}
	require.NoError(t, f.proc.Handle(ctx, created))

	assert.Empty(t, f.proc.Parked())
	trades, err := f.ledger.Query(ctx, pairBW, 0, now+1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestProcessor_TransientStoreErrorRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().Unix()

	sync, swap := swapTx(pairAW, "0xa1", now, eth(1000), eth(10), eth(1))
	require.NoError(t, f.proc.Handle(ctx, sync))
	f.trades.failNext(1)
	require.NoError(t, f.proc.Handle(ctx, swap))

	trades, err := f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, 2, f.trades.insertCalls())
	assert.Empty(t, f.proc.Parked())
	assert.Equal(t, 1, f.notifier.count())
}

func TestProcessor_StoreOutageParksEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	d := NewDispatcher(f.proc, DispatcherConfig{Shards: 2}, nil)
	d.Start(ctx)

	now := time.Now().Unix()
	sync1, swap1 := swapTx(pairAW, "0xa1", now, eth(1000), eth(10), eth(1))
	sync2, swap2 := swapTx(pairAW, "0xa2", now, sync1.Reserve0, sync1.Reserve1, eth(2))

	require.NoError(t, d.Submit(ctx, sync1))
	require.NoError(t, d.Wait(ctx))
	f.trades.failNext(-1)
	for _, ev := range []domain.ChainEvent{swap1, sync2, swap2} {
		require.NoError(t, d.Submit(ctx, ev))
	}
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, []string{pairAW}, f.proc.Parked(), "failed swap and everything after it are held")
	trades, err := f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// Still down: the replay stops at the first swap and keeps the rest.
	assert.Equal(t, 1, f.proc.RetryParked(ctx, d))
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, []string{pairAW}, f.proc.Parked())

	f.trades.failNext(0)
	assert.Equal(t, 1, f.proc.RetryParked(ctx, d))
	require.NoError(t, d.Wait(ctx))
	assert.Empty(t, f.proc.Parked())

	trades, err = f.ledger.Query(ctx, pairAW, 0, now+1)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "0xa1", trades[0].TxHash)
	assert.Equal(t, "0xa2", trades[1].TxHash)

	pair, ok := f.reg.Pair(pairAW)
	require.True(t, ok)
	assert.Equal(t, 0, pair.Reserve0.Cmp(sync2.Reserve0))
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{registry.ErrDeferred, "deferred"},
		{chain.ErrTransient, "chain"},
		{storage.ErrUnavailable, "storage"},
		{storage.ErrInvalidInput, "invalid"},
		{storage.ErrMissingReference, "missing"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("x"), "other"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
