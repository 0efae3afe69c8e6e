// Package pipeline turns decoded chain events into registry updates, priced
// ledger trades, candle merges and live notifications.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"amm-analytics/internal/chain"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/pricing"
	"amm-analytics/internal/registry"
	"amm-analytics/internal/retry"
	"amm-analytics/internal/storage"
)

// maxParkedPerPair bounds the events held for one deferred pair.
const maxParkedPerPair = 10_000

// DefaultStoreRetry retries a failed storage write for about 10 seconds.
var DefaultStoreRetry = retry.Policy{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  10 * time.Second,
	MaxRetries:      3,
}

// DefaultStoreTimeout bounds a single storage write.
const DefaultStoreTimeout = 5 * time.Second

// Registry is the subset of the pair registry used by the processor.
type Registry interface {
	Pair(address string) (*domain.Pair, bool)
	RegisterPair(ctx context.Context, address string) (*domain.Pair, error)
	RegisterCreated(ctx context.Context, ev *domain.PairCreatedEvent) (*domain.Pair, error)
	UpdateReserves(ctx context.Context, pair string, reserve0, reserve1 *big.Int, block uint64) error
	RefreshPairSupply(ctx context.Context, pair string) error
}

// Pricer prices swaps.
type Pricer interface {
	ResolveSwapPrice(ctx context.Context, pair *domain.Pair, amount0In, amount1In, amount0Out, amount1Out, reserve0, reserve1 *big.Int) (*pricing.PriceResult, error)
	SetPrice(token string, price float64)
	QuoteAsset() string
}

// Ledger records trades.
type Ledger interface {
	Append(ctx context.Context, t *domain.Trade) (bool, error)
}

// Candles folds trades into candles.
type Candles interface {
	Apply(ctx context.Context, t *domain.Trade) error
}

// TradeNotifier pushes live trade and price updates.
type TradeNotifier interface {
	PublishTrade(ctx context.Context, t *domain.Trade) error
}

// Processor handles events of one pair at a time; the dispatcher guarantees
// that calls for the same pair never overlap.
type Processor struct {
	registry Registry
	pricer   Pricer
	ledger   Ledger
	candles  Candles
	notifier TradeNotifier
	log      *zap.Logger

	storeRetry   retry.Policy
	storeTimeout time.Duration

	mu     sync.Mutex
	parked map[string][]domain.ChainEvent // events of deferred pairs, in order
}

var _ Handler = (*Processor)(nil)

// NewProcessor creates a processor. notifier may be nil.
func NewProcessor(reg Registry, pricer Pricer, ledger Ledger, candles Candles, notifier TradeNotifier, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		registry: reg,
		pricer:   pricer,
		ledger:   ledger,
		candles:  candles,
		notifier: notifier,
		log:      log.Named("processor"),

		storeRetry:   DefaultStoreRetry,
		storeTimeout: DefaultStoreTimeout,

		parked: make(map[string][]domain.ChainEvent),
	}
}

// WithStorageRetry sets the retry policy and per-attempt timeout of storage
// writes. A zero timeout keeps the default.
func (p *Processor) WithStorageRetry(policy retry.Policy, timeout time.Duration) *Processor {
	p.storeRetry = policy
	if timeout > 0 {
		p.storeTimeout = timeout
	}
	return p
}

// store runs a storage write with a per-attempt timeout, retrying transient
// failures.
func (p *Processor) store(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, p.storeRetry, storage.IsTransient, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		return op(callCtx)
	}, p.log)
}

// retryable reports whether a failed event is worth replaying later.
func retryable(err error) bool {
	return storage.IsTransient(err) || chain.IsTransient(err)
}

// Handle processes one event.
func (p *Processor) Handle(ctx context.Context, ev domain.ChainEvent) error {
	if created, ok := ev.(*domain.PairCreatedEvent); ok {
		return p.handlePairCreated(ctx, created)
	}

	addr := domain.PairKey(ev)
	if p.park(addr, ev, false) {
		return nil
	}

	pair, err := p.ensurePair(ctx, addr)
	switch {
	case errors.Is(err, registry.ErrForeignPair):
		return nil
	case errors.Is(err, registry.ErrDeferred):
		p.park(addr, ev, true)
		return nil
	case err != nil:
		return err
	}

	err = p.handlePairEvent(ctx, pair, ev)
	if err != nil && ctx.Err() == nil && retryable(err) {
		// Held until RetryParked; later events of the pair queue behind it.
		p.log.Warn("event parked after transient failure",
			zap.String("pair", addr),
			zap.String("event", domain.EventName(ev)),
			zap.Error(err))
		p.park(addr, ev, true)
		return nil
	}
	return err
}

func (p *Processor) handlePairEvent(ctx context.Context, pair *domain.Pair, ev domain.ChainEvent) error {
	switch e := ev.(type) {
	case *domain.SyncEvent:
		return p.store(ctx, func(ctx context.Context) error {
			return p.registry.UpdateReserves(ctx, pair.Address, e.Reserve0, e.Reserve1, e.BlockNumber)
		})
	case *domain.SwapEvent:
		return p.handleSwap(ctx, pair, e)
	case *domain.MintEvent, *domain.BurnEvent:
		return p.store(ctx, func(ctx context.Context) error {
			return p.registry.RefreshPairSupply(ctx, pair.Address)
		})
	}
	return fmt.Errorf("unexpected event %T", ev)
}

func (p *Processor) handlePairCreated(ctx context.Context, ev *domain.PairCreatedEvent) error {
	_, err := p.registry.RegisterCreated(ctx, ev)
	switch {
	case err == nil:
		return p.drain(ctx, ev.Pair)
	case errors.Is(err, registry.ErrForeignPair), errors.Is(err, registry.ErrDeferred):
		// Deferred pairs are retried by the discovery pass.
		p.log.Debug("pair not registered", zap.String("pair", ev.Pair), zap.Error(err))
		return nil
	}
	return err
}

// ensurePair returns the committed pair, registering it on first sight.
func (p *Processor) ensurePair(ctx context.Context, addr string) (*domain.Pair, error) {
	if pair, ok := p.registry.Pair(addr); ok {
		return pair, nil
	}
	return p.registry.RegisterPair(ctx, addr)
}

func (p *Processor) handleSwap(ctx context.Context, pair *domain.Pair, ev *domain.SwapEvent) error {
	r0, r1 := preSwapReserves(pair, ev)
	res, err := p.pricer.ResolveSwapPrice(ctx, pair, ev.Amount0In, ev.Amount1In, ev.Amount0Out, ev.Amount1Out, r0, r1)
	if err != nil {
		return fmt.Errorf("price swap: %w", err)
	}
	if res == nil {
		p.log.Debug("degenerate swap skipped", zap.String("tx", ev.TxHash), zap.Uint("log_index", ev.LogIndex))
		return nil
	}

	trade := &domain.Trade{
		TxHash:       ev.TxHash,
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		Timestamp:    ev.Timestamp,
		Pair:         pair.Address,
		Amount0In:    domain.CloneInt(ev.Amount0In),
		Amount1In:    domain.CloneInt(ev.Amount1In),
		Amount0Out:   domain.CloneInt(ev.Amount0Out),
		Amount1Out:   domain.CloneInt(ev.Amount1Out),
		Prices:       res.Prices,
		Type:         res.Type,
		BaseIsToken0: res.BaseIsToken0,
		PriceImpact:  res.PriceImpact,
		Maker:        ev.To,
	}

	var inserted bool
	err = p.store(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = p.ledger.Append(ctx, trade)
		return err
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	if trade.Prices.Resolved {
		p.cachePrices(pair, trade.Prices)
	}
	if err := p.store(ctx, func(ctx context.Context) error { return p.candles.Apply(ctx, trade) }); err != nil {
		p.log.Warn("candle apply", zap.String("pair", pair.Address), zap.Error(err))
	}
	if p.notifier != nil {
		if err := p.notifier.PublishTrade(ctx, trade); err != nil {
			p.log.Debug("notify trade", zap.String("pair", pair.Address), zap.Error(err))
		}
	}
	return nil
}

// cachePrices stores the execution prices of a resolved trade as the latest
// token prices.
func (p *Processor) cachePrices(pair *domain.Pair, prices domain.TradePrices) {
	quote := p.pricer.QuoteAsset()
	if pair.Token0 != quote {
		p.pricer.SetPrice(pair.Token0, prices.Token0Fiat)
	}
	if pair.Token1 != quote {
		p.pricer.SetPrice(pair.Token1, prices.Token1Fiat)
	}
}

// preSwapReserves reverses the swap on the post-swap reserves. Sync precedes
// Swap within a transaction, so the registry already holds the post state.
// Falls back to the stored reserves when the reversal is inconsistent.
func preSwapReserves(pair *domain.Pair, ev *domain.SwapEvent) (*big.Int, *big.Int) {
	if pair.Reserve0 == nil || pair.Reserve1 == nil {
		return nil, nil
	}
	r0 := reverse(pair.Reserve0, ev.Amount0In, ev.Amount0Out)
	r1 := reverse(pair.Reserve1, ev.Amount1In, ev.Amount1Out)
	if r0.Sign() <= 0 || r1.Sign() <= 0 {
		return pair.Reserve0, pair.Reserve1
	}
	return r0, r1
}

func reverse(post, in, out *big.Int) *big.Int {
	v := new(big.Int).Set(post)
	if in != nil {
		v.Sub(v, in)
	}
	if out != nil {
		v.Add(v, out)
	}
	return v
}

// park holds ev while its pair is deferred. With force unset it only parks
// when the pair already has parked events, keeping their order.
func (p *Processor) park(addr string, ev domain.ChainEvent, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue, ok := p.parked[addr]
	if !ok && !force {
		return false
	}
	if len(queue) >= maxParkedPerPair {
		p.log.Error("parked queue full, event dropped", zap.String("pair", addr), zap.String("tx", ev.Meta().TxHash))
		return true
	}
	p.parked[addr] = append(queue, ev)
	return true
}

// requeue puts events back in front of the parked queue of addr.
func (p *Processor) requeue(addr string, events []domain.ChainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := append(slices.Clone(events), p.parked[addr]...)
	if len(queue) > maxParkedPerPair {
		p.log.Error("parked queue full, events dropped", zap.String("pair", addr), zap.Int("dropped", len(queue)-maxParkedPerPair))
		queue = queue[:maxParkedPerPair]
	}
	p.parked[addr] = queue
}

// Parked returns the pairs with parked events.
func (p *Processor) Parked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.parked))
	for addr := range p.parked {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// drain replays the parked events of addr once the pair is committed. It
// stops at the first transient failure and parks the rest again, ahead of
// anything parked meanwhile.
func (p *Processor) drain(ctx context.Context, addr string) error {
	p.mu.Lock()
	queue, ok := p.parked[addr]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	pair, err := p.ensurePair(ctx, addr)
	if err != nil {
		return nil
	}

	p.mu.Lock()
	delete(p.parked, addr)
	p.mu.Unlock()

	p.log.Info("replaying parked events", zap.String("pair", addr), zap.Int("events", len(queue)))
	var errs []error
	for i, ev := range queue {
		err := p.handlePairEvent(ctx, pair, ev)
		if err != nil && (ctx.Err() != nil || retryable(err)) {
			p.requeue(addr, queue[i:])
			p.log.Warn("replay interrupted", zap.String("pair", addr), zap.Int("remaining", len(queue)-i), zap.Error(err))
			break
		}
		if err != nil {
			errs = append(errs, err)
		}
		if latest, ok := p.registry.Pair(addr); ok {
			pair = latest
		}
	}
	return errors.Join(errs...)
}

// RetryParked schedules a replay attempt for every parked pair on its shard.
func (p *Processor) RetryParked(ctx context.Context, d *Dispatcher) int {
	pairs := p.Parked()
	for _, addr := range pairs {
		addr := addr
		if err := d.Do(ctx, addr, func(ctx context.Context) error { return p.drain(ctx, addr) }); err != nil {
			return 0
		}
	}
	return len(pairs)
}
