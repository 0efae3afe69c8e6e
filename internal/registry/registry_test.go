package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amm-analytics/internal/chain"
	chainstub "amm-analytics/internal/chain/stub"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
	"amm-analytics/internal/storage/memory"
)

const (
	factory = "0x00000000000000000000000000000000000000f1"
	weth    = "0x00000000000000000000000000000000000000e0"
	tokenA  = "0x00000000000000000000000000000000000000a0"
	tokenB  = "0x00000000000000000000000000000000000000b0"
	tokenX  = "0x00000000000000000000000000000000000000c0"
	pairAW  = "0x0000000000000000000000000000000000000a01"
	pairBW  = "0x0000000000000000000000000000000000000b01"
	pairXW  = "0x0000000000000000000000000000000000000c01"
)

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

func (s *failingTokenStore) heal(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fail, addr)
}

type fixture struct {
	reader *chainstub.Reader
	tokens *failingTokenStore
	pairs  *memory.PairStore
	reg    *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := chainstub.NewReader()
	reader.Tokens[weth] = &chain.TokenMetadata{Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18}
	reader.Tokens[tokenA] = &chain.TokenMetadata{Symbol: "AAA", Name: "Token A", Decimals: 6, TotalSupply: big.NewInt(1_000_000)}
	reader.Tokens[tokenB] = &chain.TokenMetadata{Symbol: "BBB", Name: "Token B", Decimals: 18}
	reader.Pairs[pairAW] = &chainstub.PairInfo{Token0: tokenA, Token1: weth, Factory: factory, Reserve0: big.NewInt(100), Reserve1: big.NewInt(200)}
	reader.Pairs[pairBW] = &chainstub.PairInfo{Token0: tokenB, Token1: weth, Factory: factory}
	reader.Pairs[pairXW] = &chainstub.PairInfo{Token0: tokenX, Token1: weth, Factory: factory}

	tokens := &failingTokenStore{TokenStore: memory.NewTokenStore(), fail: map[string]error{}}
	pairs := memory.NewPairStore(tokens)
	reg := New(reader, tokens, pairs, Config{
		QuoteAsset: weth,
		Factory:    factory,
	}, nil)
	return &fixture{reader: reader, tokens: tokens, pairs: pairs, reg: reg}
}

func TestRegisterToken_ReadsChainOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.reg.RegisterToken(ctx, tokenA)
	require.NoError(t, err)
	assert.Equal(t, "AAA", token.Symbol)
	assert.Equal(t, uint8(6), token.Decimals)
	assert.False(t, token.Placeholder)
	assert.False(t, token.IsQuoteAsset)

	again, err := f.reg.RegisterToken(ctx, "0x00000000000000000000000000000000000000A0")
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.Equal(t, 1, f.reader.CallCount("TokenMetadata"))

	stored, err := f.tokens.Get(ctx, tokenA)
	require.NoError(t, err)
	assert.Equal(t, "Token A", stored.Name)
}

func TestRegisterToken_QuoteAssetFlag(t *testing.T) {
	f := newFixture(t)

	token, err := f.reg.RegisterToken(context.Background(), weth)
	require.NoError(t, err)
	assert.True(t, token.IsQuoteAsset)
}

func TestRegisterToken_PlaceholderOnChainFailure(t *testing.T) {
	f := newFixture(t)

	token, err := f.reg.RegisterToken(context.Background(), tokenX)
	require.NoError(t, err)
	assert.True(t, token.Placeholder)
	assert.Equal(t, "TKN-000000", token.Symbol)
	assert.Equal(t, uint8(18), token.Decimals)
}

func TestRegisterToken_SingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*domain.Token, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := f.reg.RegisterToken(ctx, tokenB)
			if err != nil {
				t.Errorf("RegisterToken: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.reader.CallCount("TokenMetadata"))
	for _, tok := range results {
		assert.Equal(t, "BBB", tok.Symbol)
	}
	list, err := f.tokens.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegisterToken_CancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.reader.SetGate(gate)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.reg.RegisterToken(first, tokenB)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.reader.CallCount("TokenMetadata") == 1 }, time.Second, time.Millisecond)

	type result struct {
		token *domain.Token
		err   error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := f.reg.RegisterToken(context.Background(), tokenB)
		second <- result{tok, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gate)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "BBB", res.token.Symbol)
	assert.False(t, res.token.Placeholder, "the shared read was not cut short by the first caller")
	assert.Equal(t, 1, f.reader.CallCount("TokenMetadata"))
}

func TestRegisterPair_TransientChainErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	f.reader.SetErr(fmt.Errorf("%w: 503 service unavailable", chain.ErrTransient))

	_, err := f.reg.RegisterPair(context.Background(), pairAW)
	require.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 1, f.reader.CallCount("PairFactory"), "the RPC client owns retries")
	assert.Equal(t, []string{pairAW}, f.reg.Deferred())
}

func TestRegisterPair_TokensCommittedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.reg.RegisterPair(ctx, pairAW)
	require.NoError(t, err)
	assert.Equal(t, tokenA, pair.Token0)
	assert.Equal(t, weth, pair.Token1)
	assert.Equal(t, int64(100), pair.Reserve0.Int64())

	for _, addr := range []string{tokenA, weth} {
		_, err := f.tokens.Get(ctx, addr)
		assert.NoError(t, err, "token %s must be stored", addr)
	}
	_, err = f.pairs.Get(ctx, pairAW)
	assert.NoError(t, err)

	assert.Len(t, f.reg.PairsForToken(weth), 1)
	assert.Len(t, f.reg.PairsForToken(tokenA), 1)
}

func TestRegisterPair_DeferredUntilTokenCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tokens.fail[tokenB] = errors.New("connection refused")

	_, err := f.reg.RegisterPair(ctx, pairBW)
	require.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, []string{pairBW}, f.reg.Deferred())

	_, err = f.pairs.Get(ctx, pairBW)
	assert.ErrorIs(t, err, storage.ErrNotFound, "no dangling pair")

	f.tokens.heal(tokenB)
	assert.Equal(t, 1, f.reg.RetryDeferred(ctx))
	assert.Empty(t, f.reg.Deferred())

	_, err = f.pairs.Get(ctx, pairBW)
	assert.NoError(t, err)
}

func TestRegisterPair_FailureIsolatedPerAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Token X has no metadata and its insert fails.
	f.tokens.fail[tokenX] = errors.New("storage timeout")

	var wg sync.WaitGroup
	var errX, errA error
	wg.Add(2)
	go func() { defer wg.Done(); _, errX = f.reg.RegisterPair(ctx, pairXW) }()
	go func() { defer wg.Done(); _, errA = f.reg.RegisterPair(ctx, pairAW) }()
	wg.Wait()

	assert.ErrorIs(t, errX, ErrDeferred)
	assert.NoError(t, errA)
	_, ok := f.reg.Pair(pairAW)
	assert.True(t, ok)
}

func TestRegisterPair_ForeignFactory(t *testing.T) {
	f := newFixture(t)
	foreign := "0x0000000000000000000000000000000000000d01"
	f.reader.Pairs[foreign] = &chainstub.PairInfo{Token0: tokenA, Token1: weth, Factory: "0x00000000000000000000000000000000000000f9"}

	_, err := f.reg.RegisterPair(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrForeignPair)

	_, err = f.reg.RegisterPair(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrForeignPair)
	assert.Equal(t, 1, f.reader.CallCount("PairFactory"), "foreign pairs are remembered")
	assert.Empty(t, f.reg.Deferred())
}

func TestRegisterCreated_UsesEventTokens(t *testing.T) {
	f := newFixture(t)

	pair, err := f.reg.RegisterCreated(context.Background(), &domain.PairCreatedEvent{
		EventMeta: domain.EventMeta{Address: factory, BlockNumber: 42},
		Token0:    tokenB,
		Token1:    weth,
		Pair:      pairBW,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pair.CreatedBlock)
	assert.Zero(t, f.reader.CallCount("PairTokens"))
	assert.Zero(t, f.reader.CallCount("PairFactory"))
}

func TestUpdateReserves_IgnoresOlderSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.RegisterPair(ctx, pairAW)
	require.NoError(t, err)

	require.NoError(t, f.reg.UpdateReserves(ctx, pairAW, big.NewInt(10), big.NewInt(20), 5))
	require.NoError(t, f.reg.UpdateReserves(ctx, pairAW, big.NewInt(1), big.NewInt(2), 4))

	p, _ := f.reg.Pair(pairAW)
	assert.Equal(t, int64(10), p.Reserve0.Int64())
	assert.Equal(t, uint64(5), p.SyncBlock)

	err = f.reg.UpdateReserves(ctx, pairBW, big.NewInt(1), big.NewInt(1), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshPairSupply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.RegisterPair(ctx, pairAW)
	require.NoError(t, err)

	f.reader.Pairs[pairAW].TotalSupply = big.NewInt(777)
	require.NoError(t, f.reg.RefreshPairSupply(ctx, pairAW))

	p, _ := f.reg.Pair(pairAW)
	assert.Equal(t, int64(777), p.TotalSupply.Int64())
	stored, err := f.pairs.Get(ctx, pairAW)
	require.NoError(t, err)
	assert.Equal(t, int64(777), stored.TotalSupply.Int64())
}

func TestRefreshToken_UpgradesPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.reg.RegisterToken(ctx, tokenX)
	require.NoError(t, err)
	require.True(t, token.Placeholder)

	f.reader.Tokens[tokenX] = &chain.TokenMetadata{Symbol: "XXX", Decimals: 9}
	assert.Equal(t, 1, f.reg.RefreshTokens(ctx))

	refreshed, ok := f.reg.Token(tokenX)
	require.True(t, ok)
	assert.False(t, refreshed.Placeholder)
	assert.Equal(t, "XXX", refreshed.Symbol)
	assert.Equal(t, uint8(9), refreshed.Decimals)
}

func TestWarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.RegisterPair(ctx, pairAW)
	require.NoError(t, err)

	fresh := New(f.reader, f.tokens, f.pairs, Config{QuoteAsset: weth}, nil)
	require.NoError(t, fresh.Warm(ctx))
	assert.Len(t, fresh.Tokens(), 2)
	assert.Len(t, fresh.Pairs(), 1)

	calls := f.reader.CallCount("PairTokens")
	_, err = fresh.RegisterPair(ctx, pairAW)
	require.NoError(t, err)
	assert.Equal(t, calls, f.reader.CallCount("PairTokens"))
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reader.FactoryPairs[factory] = []string{pairAW, pairBW, pairXW}
	f.tokens.fail[tokenX] = errors.New("storage timeout")

	res, err := f.reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Enumerated)
	assert.Equal(t, 2, res.Registered)
	assert.Equal(t, 1, res.Deferred)

	// The next pass only retries the deferred pair.
	f.tokens.heal(tokenX)
	res, err = f.reg.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Enumerated)
	assert.Equal(t, 1, res.Registered)
	assert.Equal(t, 0, res.Deferred)
	assert.Len(t, f.reg.Pairs(), 3)
}
