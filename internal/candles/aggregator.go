// Package candles maintains OHLCV buckets per (pair, timeframe): incrementally
// while a bucket is open and by re-deriving it from the ledger once closed.
package candles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/storage"
)

// TradeSource returns ledger trades of a pair with timestamp in [from, to).
type TradeSource interface {
	Query(ctx context.Context, pair string, from, to int64) ([]*domain.Trade, error)
}

// Publisher receives every candle after an incremental merge.
type Publisher interface {
	PublishCandle(ctx context.Context, c *domain.Candle) error
}

// PairLister lists the pairs covered by startup reconciliation.
type PairLister interface {
	Pairs() []*domain.Pair
}

// Config configures an Aggregator.
type Config struct {
	Timeframes        []domain.Timeframe // Default: all supported timeframes
	Grace             time.Duration      // Default: 30s
	ReconcileInterval time.Duration      // Default: 1m
	Lookback          time.Duration      // startup reconciliation window. Default: 24h
}

type bucketKey struct {
	pair  string
	tf    domain.Timeframe
	start int64
}

// Aggregator applies trades to candles. It is safe for concurrent use; the
// store makes each merge atomic per bucket.
type Aggregator struct {
	store      storage.CandleStore
	trades     TradeSource
	publishers []Publisher
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[bucketKey]struct{} // buckets to re-derive once closed
}

// New creates an aggregator.
func New(store storage.CandleStore, trades TradeSource, cfg Config, log *zap.Logger, publishers ...Publisher) *Aggregator {
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = domain.Timeframes
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		store:      store,
		trades:     trades,
		publishers: publishers,
		cfg:        cfg,
		log:        log.Named("candles"),
		now:        time.Now,
		pending:    make(map[bucketKey]struct{}),
	}
}

// Timeframes returns the maintained timeframes.
func (a *Aggregator) Timeframes() []domain.Timeframe {
	return a.cfg.Timeframes
}

// isOpen reports whether a bucket still accepts incremental merges.
func (a *Aggregator) isOpen(tf domain.Timeframe, bucketStart int64, now time.Time) bool {
	closeAt := time.Unix(bucketStart+tf.Seconds(), 0).Add(a.cfg.Grace)
	return now.Before(closeAt)
}

// Apply merges a newly inserted trade into every open bucket containing it.
// Closed buckets are left to reconciliation. Unresolved trades are skipped
// until their prices are filled.
func (a *Aggregator) Apply(ctx context.Context, t *domain.Trade) error {
	if t == nil || !t.Prices.Resolved {
		return nil
	}
	now := a.now()

	var errs []error
	for _, tf := range a.cfg.Timeframes {
		c := domain.CandleFromTrade(t, tf)
		key := bucketKey{pair: c.Pair, tf: tf, start: c.BucketStart}
		if !a.isOpen(tf, c.BucketStart, now) {
			a.markPending(key)
			continue
		}

		// Marked after the merge so the closing rebuild always follows it.
		err := a.store.Merge(ctx, c)
		a.markPending(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("merge %s %s@%d: %w", c.Pair, tf, c.BucketStart, err))
			continue
		}
		observability.RecordCandleMerge()
		a.publish(ctx, key)
	}
	return errors.Join(errs...)
}

func (a *Aggregator) publish(ctx context.Context, key bucketKey) {
	if len(a.publishers) == 0 {
		return
	}
	c, err := a.store.Get(ctx, key.pair, key.tf, key.start)
	if err != nil {
		a.log.Warn("read merged candle", zap.String("pair", key.pair), zap.String("tf", string(key.tf)), zap.Error(err))
		return
	}
	for _, p := range a.publishers {
		if err := p.PublishCandle(ctx, c); err != nil {
			a.log.Debug("publish candle", zap.String("pair", key.pair), zap.Error(err))
		}
	}
}

// Current returns the in-progress candle of pair, nil when the bucket has no
// trades yet.
func (a *Aggregator) Current(ctx context.Context, pair string, tf domain.Timeframe) (*domain.Candle, error) {
	pair = domain.NormalizeAddress(pair)
	c, err := a.store.Get(ctx, pair, tf, tf.BucketStart(a.now().Unix()))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current candle %s %s: %w", pair, tf, err)
	}
	return c, nil
}

func (a *Aggregator) markPending(key bucketKey) {
	a.mu.Lock()
	a.pending[key] = struct{}{}
	n := len(a.pending)
	a.mu.Unlock()
	observability.UpdateDirtyCandles(n)
}

// takeClosed removes and returns every pending bucket that has closed.
func (a *Aggregator) takeClosed(now time.Time) []bucketKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []bucketKey
	for key := range a.pending {
		if !a.isOpen(key.tf, key.start, now) {
			closed = append(closed, key)
			delete(a.pending, key)
		}
	}
	observability.UpdateDirtyCandles(len(a.pending))
	sort.Slice(closed, func(i, j int) bool {
		if closed[i].start != closed[j].start {
			return closed[i].start < closed[j].start
		}
		if closed[i].pair != closed[j].pair {
			return closed[i].pair < closed[j].pair
		}
		return closed[i].tf < closed[j].tf
	})
	return closed
}

// Pending returns the number of buckets waiting for reconciliation.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reconcile re-derives every touched bucket that has closed since the last
// run. Failed buckets stay pending.
func (a *Aggregator) Reconcile(ctx context.Context) (int, error) {
	keys := a.takeClosed(a.now())

	rebuilt := 0
	var errs []error
	for i, key := range keys {
		if ctx.Err() != nil {
			for _, k := range keys[i:] {
				a.markPending(k)
			}
			return rebuilt, ctx.Err()
		}
		if err := a.rebuild(ctx, key); err != nil {
			a.markPending(key)
			errs = append(errs, err)
			continue
		}
		rebuilt++
	}
	return rebuilt, errors.Join(errs...)
}

// rebuild overwrites one bucket with the candle derived from the ledger.
func (a *Aggregator) rebuild(ctx context.Context, key bucketKey) error {
	trades, err := a.trades.Query(ctx, key.pair, key.start, key.start+key.tf.Seconds())
	if err != nil {
		observability.RecordCandleReconcile("error")
		return fmt.Errorf("reconcile %s %s@%d: %w", key.pair, key.tf, key.start, err)
	}
	return a.write(ctx, key, domain.BuildCandle(key.pair, key.tf, key.start, trades))
}

func (a *Aggregator) write(ctx context.Context, key bucketKey, c *domain.Candle) error {
	if c == nil {
		if err := a.store.Delete(ctx, key.pair, key.tf, key.start); err != nil {
			observability.RecordCandleReconcile("error")
			return fmt.Errorf("delete %s %s@%d: %w", key.pair, key.tf, key.start, err)
		}
		observability.RecordCandleReconcile("deleted")
		return nil
	}
	if err := a.store.Replace(ctx, c); err != nil {
		observability.RecordCandleReconcile("error")
		return fmt.Errorf("replace %s %s@%d: %w", key.pair, key.tf, key.start, err)
	}
	observability.RecordCandleReconcile("replaced")
	return nil
}
