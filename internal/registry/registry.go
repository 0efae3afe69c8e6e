// Package registry discovers tokens and pairs and keeps them committed in
// dependency order: a pair is stored only after both of its tokens.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"amm-analytics/internal/cache"
	"amm-analytics/internal/chain"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/storage"
)

// Registry errors.
var (
	// ErrDeferred is returned when a pair cannot be stored yet because one of
	// its tokens or its chain state could not be committed. The pair is kept
	// on the deferred list and retried by RetryDeferred.
	ErrDeferred = errors.New("pair registration deferred")
	// ErrForeignPair is returned for pairs created by another factory.
	ErrForeignPair = errors.New("pair belongs to another factory")
)

// placeholderDecimals is used when a token's decimals cannot be read.
const placeholderDecimals = 18

// Config configures a Registry.
//
// Chain reads are not retried here: the RPC client already retries transient
// failures, and a pair that still fails is deferred.
type Config struct {
	QuoteAsset      string        // address of the fixed-price routing anchor
	Factory         string        // empty accepts pairs from any factory
	CallTimeout     time.Duration // per chain call; Default: 10s
	RegisterTimeout time.Duration // per token or pair registration; Default: 1m
	Workers         int           // discovery pool size; Default: 8
}

// Registry is the process-wide token and pair cache, backed by storage.
// It is safe for concurrent use.
type Registry struct {
	reader chain.Reader
	tokens storage.TokenStore
	pairs  storage.PairStore
	cfg    Config
	log    *zap.Logger

	group singleflight.Group

	mu         sync.RWMutex
	tokenCache map[string]*domain.Token
	pairCache  map[string]*domain.Pair
	byToken    map[string]map[string]struct{} // token -> pair addresses
	deferred   map[string]struct{}
	nextIndex  uint64 // first factory index not yet enumerated

	foreign *cache.TTL[string, struct{}]
}

// New creates a registry.
func New(reader chain.Reader, tokens storage.TokenStore, pairs storage.PairStore, cfg Config, log *zap.Logger) *Registry {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RegisterTimeout == 0 {
		cfg.RegisterTimeout = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.QuoteAsset = domain.NormalizeAddress(cfg.QuoteAsset)
	cfg.Factory = domain.NormalizeAddress(cfg.Factory)

	return &Registry{
		reader:     reader,
		tokens:     tokens,
		pairs:      pairs,
		cfg:        cfg,
		log:        log.Named("registry"),
		tokenCache: make(map[string]*domain.Token),
		pairCache:  make(map[string]*domain.Pair),
		byToken:    make(map[string]map[string]struct{}),
		deferred:   make(map[string]struct{}),
		foreign:    cache.NewTTL[string, struct{}](10_000, time.Hour),
	}
}

// QuoteAsset returns the quote asset address.
func (r *Registry) QuoteAsset() string {
	return r.cfg.QuoteAsset
}

// Warm loads every committed token and pair from storage into memory.
func (r *Registry) Warm(ctx context.Context) error {
	tokens, err := r.tokens.List(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	pairs, err := r.pairs.List(ctx)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}

	r.mu.Lock()
	for _, t := range tokens {
		r.tokenCache[t.Address] = t
	}
	for _, p := range pairs {
		r.cachePairLocked(p)
	}
	r.mu.Unlock()

	r.log.Info("registry warmed", zap.Int("tokens", len(tokens)), zap.Int("pairs", len(pairs)))
	return nil
}

// RegisterToken returns the committed token for address, reading its metadata
// from chain on first sight. Unreadable tokens are stored as placeholders.
func (r *Registry) RegisterToken(ctx context.Context, address string) (*domain.Token, error) {
	addr := domain.NormalizeAddress(address)
	if t, ok := r.Token(addr); ok {
		return t, nil
	}

	v, err := r.flight(ctx, "token:"+addr, func(ctx context.Context) (any, error) {
		return r.registerToken(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Token).Clone(), nil
}

func (r *Registry) registerToken(ctx context.Context, addr string) (*domain.Token, error) {
	if t, ok := r.Token(addr); ok {
		return t, nil
	}

	stored, err := r.tokens.Get(ctx, addr)
	if err == nil {
		r.cacheToken(stored)
		return stored, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get token %s: %w", addr, err)
	}

	token, source, err := r.readToken(ctx, addr)
	if err != nil {
		return nil, err
	}

	if err := r.tokens.Insert(ctx, token); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("insert token %s: %w", addr, err)
		}
		if token, err = r.tokens.Get(ctx, addr); err != nil {
			return nil, fmt.Errorf("get token %s: %w", addr, err)
		}
	} else {
		observability.RecordTokenRegistered(source)
		r.log.Debug("token registered",
			zap.String("token", addr),
			zap.String("symbol", token.Symbol),
			zap.Bool("placeholder", token.Placeholder))
	}

	r.cacheToken(token)
	return token, nil
}

// readToken builds a token from chain metadata, falling back to a placeholder.
// Only context errors are returned.
func (r *Registry) readToken(ctx context.Context, addr string) (*domain.Token, string, error) {
	var md *chain.TokenMetadata
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		md, err = r.reader.TokenMetadata(ctx, addr)
		return err
	})
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	if err != nil {
		r.log.Warn("token metadata unavailable, storing placeholder", zap.String("token", addr), zap.Error(err))
		return &domain.Token{
			Address:      addr,
			Symbol:       domain.PlaceholderSymbol(addr),
			Decimals:     placeholderDecimals,
			IsQuoteAsset: addr == r.cfg.QuoteAsset,
			Placeholder:  true,
		}, "placeholder", nil
	}

	symbol := md.Symbol
	if symbol == "" {
		symbol = domain.PlaceholderSymbol(addr)
	}
	return &domain.Token{
		Address:      addr,
		Symbol:       symbol,
		Name:         md.Name,
		Decimals:     md.Decimals,
		TotalSupply:  md.TotalSupply,
		IsQuoteAsset: addr == r.cfg.QuoteAsset,
	}, "chain", nil
}

// pairHint carries pair fields already known from a PairCreated event.
type pairHint struct {
	token0, token1 string
	block          uint64
}

// RegisterPair returns the committed pair for address, registering its
// tokens first. Returns ErrDeferred when a dependency cannot be committed
// and ErrForeignPair for pairs of other factories.
func (r *Registry) RegisterPair(ctx context.Context, address string) (*domain.Pair, error) {
	return r.registerPairOnce(ctx, domain.NormalizeAddress(address), nil)
}

// RegisterCreated registers the pair announced by a factory PairCreated event.
// The event supplies the tokens, so no pair reads are needed.
func (r *Registry) RegisterCreated(ctx context.Context, ev *domain.PairCreatedEvent) (*domain.Pair, error) {
	hint := &pairHint{
		token0: domain.NormalizeAddress(ev.Token0),
		token1: domain.NormalizeAddress(ev.Token1),
		block:  ev.BlockNumber,
	}
	return r.registerPairOnce(ctx, domain.NormalizeAddress(ev.Pair), hint)
}

func (r *Registry) registerPairOnce(ctx context.Context, addr string, hint *pairHint) (*domain.Pair, error) {
	if p, ok := r.Pair(addr); ok {
		return p, nil
	}
	if _, ok := r.foreign.Get(addr); ok {
		return nil, ErrForeignPair
	}

	v, err := r.flight(ctx, "pair:"+addr, func(ctx context.Context) (any, error) {
		return r.registerPair(ctx, addr, hint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Pair).Clone(), nil
}

func (r *Registry) registerPair(ctx context.Context, addr string, hint *pairHint) (*domain.Pair, error) {
	if p, ok := r.Pair(addr); ok {
		return p, nil
	}

	stored, err := r.pairs.Get(ctx, addr)
	if err == nil {
		r.cachePair(stored)
		r.undefer(addr)
		return stored, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, r.deferPair(ctx, addr, fmt.Errorf("get pair: %w", err))
	}

	if hint == nil {
		if hint, err = r.readPairHint(ctx, addr); err != nil {
			if errors.Is(err, ErrForeignPair) {
				r.foreign.Set(addr, struct{}{})
				return nil, err
			}
			return nil, r.deferPair(ctx, addr, err)
		}
	}

	// Tokens are committed before the pair, never after.
	if _, err := r.RegisterToken(ctx, hint.token0); err != nil {
		return nil, r.deferPair(ctx, addr, fmt.Errorf("token0 %s: %w", hint.token0, err))
	}
	if _, err := r.RegisterToken(ctx, hint.token1); err != nil {
		return nil, r.deferPair(ctx, addr, fmt.Errorf("token1 %s: %w", hint.token1, err))
	}

	pair := &domain.Pair{
		Address:      addr,
		Token0:       hint.token0,
		Token1:       hint.token1,
		Reserve0:     big.NewInt(0),
		Reserve1:     big.NewInt(0),
		TotalSupply:  big.NewInt(0),
		CreatedBlock: hint.block,
	}
	r.readPairState(ctx, pair)

	if err := r.pairs.Insert(ctx, pair); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateKey):
			if pair, err = r.pairs.Get(ctx, addr); err != nil {
				return nil, r.deferPair(ctx, addr, fmt.Errorf("get pair: %w", err))
			}
		default:
			return nil, r.deferPair(ctx, addr, fmt.Errorf("insert pair: %w", err))
		}
	} else {
		observability.RecordPairRegistered()
		r.log.Info("pair registered",
			zap.String("pair", addr),
			zap.String("token0", pair.Token0),
			zap.String("token1", pair.Token1))
	}

	r.cachePair(pair)
	r.undefer(addr)
	return pair, nil
}

// readPairHint reads token0, token1 and, when a factory is configured, the
// pair's factory.
func (r *Registry) readPairHint(ctx context.Context, addr string) (*pairHint, error) {
	if r.cfg.Factory != "" {
		var factory string
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			factory, err = r.reader.PairFactory(ctx, addr)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("read factory: %w", err)
		}
		if domain.NormalizeAddress(factory) != r.cfg.Factory {
			return nil, ErrForeignPair
		}
	}

	hint := &pairHint{}
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		hint.token0, hint.token1, err = r.reader.PairTokens(ctx, addr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	hint.token0 = domain.NormalizeAddress(hint.token0)
	hint.token1 = domain.NormalizeAddress(hint.token1)
	return hint, nil
}

// readPairState fills reserves and LP supply on a best-effort basis.
// Sync events keep reserves current afterwards.
func (r *Registry) readPairState(ctx context.Context, p *domain.Pair) {
	err := r.call(ctx, func(ctx context.Context) error {
		r0, r1, err := r.reader.PairReserves(ctx, p.Address)
		if err != nil {
			return err
		}
		p.Reserve0, p.Reserve1 = r0, r1
		return nil
	})
	if err != nil {
		r.log.Debug("initial reserves unavailable", zap.String("pair", p.Address), zap.Error(err))
	}

	err = r.call(ctx, func(ctx context.Context) error {
		supply, err := r.reader.PairTotalSupply(ctx, p.Address)
		if err != nil {
			return err
		}
		p.TotalSupply = supply
		return nil
	})
	if err != nil {
		r.log.Debug("initial LP supply unavailable", zap.String("pair", p.Address), zap.Error(err))
	}
}

// flight runs fn once for concurrent callers of the same key. The shared
// call is detached from the caller that started it and bounded by
// RegisterTimeout; each caller stops waiting when its own ctx ends.
func (r *Registry) flight(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RegisterTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call runs a chain read with the per-call timeout.
func (r *Registry) call(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return op(callCtx)
}

// deferPair records addr for RetryDeferred. A registration that ran out of
// time is deferred like any other failure; cancellation is not.
func (r *Registry) deferPair(ctx context.Context, addr string, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	r.mu.Lock()
	r.deferred[addr] = struct{}{}
	n := len(r.deferred)
	r.mu.Unlock()

	observability.UpdateDeferredPairs(n)
	r.log.Warn("pair deferred", zap.String("pair", addr), zap.Error(cause))
	return fmt.Errorf("%w: %s: %w", ErrDeferred, addr, cause)
}

func (r *Registry) undefer(addr string) {
	r.mu.Lock()
	_, ok := r.deferred[addr]
	delete(r.deferred, addr)
	n := len(r.deferred)
	r.mu.Unlock()
	if ok {
		observability.UpdateDeferredPairs(n)
	}
}

// Deferred returns the deferred pair addresses in sorted order.
func (r *Registry) Deferred() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deferred))
	for addr := range r.deferred {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// RetryDeferred retries every deferred pair and returns how many committed.
func (r *Registry) RetryDeferred(ctx context.Context) int {
	committed := 0
	for _, addr := range r.Deferred() {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.RegisterPair(ctx, addr); err == nil {
			committed++
		}
	}
	return committed
}

func (r *Registry) cacheToken(t *domain.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenCache[t.Address] = t.Clone()
}

func (r *Registry) cachePair(p *domain.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachePairLocked(p)
}

func (r *Registry) cachePairLocked(p *domain.Pair) {
	r.pairCache[p.Address] = p.Clone()
	for _, token := range []string{p.Token0, p.Token1} {
		set, ok := r.byToken[token]
		if !ok {
			set = make(map[string]struct{})
			r.byToken[token] = set
		}
		set[p.Address] = struct{}{}
	}
}
