// Package ledger is the append-only, idempotent record of priced trades.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/storage"
)

// TradeSink receives every newly inserted trade.
type TradeSink interface {
	PublishTrade(ctx context.Context, t *domain.Trade) error
}

// Repricer re-resolves the prices of a stored trade.
type Repricer interface {
	Reprice(ctx context.Context, t *domain.Trade) (domain.TradePrices, bool, error)
}

// Ledger wraps a TradeStore with insert-or-ignore semantics.
type Ledger struct {
	store storage.TradeStore
	sinks []TradeSink
	log   *zap.Logger

	// Reprice scans unresolved trades from cursor and wraps at the end.
	mu     sync.Mutex
	cursor *storage.TradeCursor
}

// New creates a ledger. Sinks are notified of inserted trades only.
func New(store storage.TradeStore, log *zap.Logger, sinks ...TradeSink) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, sinks: sinks, log: log.Named("ledger")}
}

// Append stores t unless (tx_hash, log_index) is already recorded.
// A replayed event returns inserted=false and no error.
func (l *Ledger) Append(ctx context.Context, t *domain.Trade) (bool, error) {
	if t == nil || t.TxHash == "" || t.Pair == "" {
		return false, storage.ErrInvalidInput
	}

	inserted, err := l.store.InsertIgnore(ctx, t)
	if err != nil {
		return false, fmt.Errorf("append trade %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	observability.RecordTradeAppend(inserted, t.Prices.Resolved)
	if !inserted {
		l.log.Debug("duplicate trade ignored", zap.String("tx", t.TxHash), zap.Uint("index", t.LogIndex))
		return false, nil
	}

	for _, sink := range l.sinks {
		if err := sink.PublishTrade(ctx, t); err != nil {
			l.log.Warn("publish trade", zap.String("tx", t.TxHash), zap.Error(err))
		}
	}
	return true, nil
}

// Query returns the trades of pair with timestamp in [from, to), ordered by
// (timestamp, block, log_index).
func (l *Ledger) Query(ctx context.Context, pair string, from, to int64) ([]*domain.Trade, error) {
	if from > to {
		return nil, fmt.Errorf("query %s: from %d after to %d: %w", pair, from, to, storage.ErrInvalidInput)
	}
	trades, err := l.store.GetByPairTimeRange(ctx, domain.NormalizeAddress(pair), from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pair, err)
	}
	return trades, nil
}

// Latest returns the most recent trade of pair, nil if none.
func (l *Ledger) Latest(ctx context.Context, pair string) (*domain.Trade, error) {
	t, err := l.store.GetLatestByPair(ctx, domain.NormalizeAddress(pair))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest trade %s: %w", pair, err)
	}
	return t, nil
}

// Unresolved returns up to limit trades still waiting for a fiat price.
func (l *Ledger) Unresolved(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return l.store.ListUnresolved(ctx, nil, limit)
}

// ResolvePrices fills the prices of an unresolved trade. The price columns
// move from unresolved to resolved once; later calls return false.
func (l *Ledger) ResolvePrices(ctx context.Context, t *domain.Trade, prices domain.TradePrices) (bool, error) {
	ok, err := l.store.ResolvePrices(ctx, t.TxHash, t.LogIndex, prices)
	if err != nil {
		return false, fmt.Errorf("resolve prices %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	if ok {
		observability.RecordTradeRepriced()
	}
	return ok, nil
}

// Reprice resolves up to limit unresolved trades that now have a route and
// returns the updated trades. Each call continues after the last trade the
// previous call examined, so trades without a route never hide newer ones;
// the scan starts over once it reaches the end of the ledger.
func (l *Ledger) Reprice(ctx context.Context, repricer Repricer, limit int) ([]*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	repriced, _, err := l.repricePass(ctx, repricer, limit)
	return repriced, err
}

// RepriceAll runs Reprice passes of batch trades until the scan wraps and
// returns the number of trades updated.
func (l *Ledger) RepriceAll(ctx context.Context, repricer Repricer, batch int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cursor = nil
	total := 0
	for {
		repriced, wrapped, err := l.repricePass(ctx, repricer, batch)
		total += len(repriced)
		if err != nil || wrapped {
			return total, err
		}
	}
}

func (l *Ledger) repricePass(ctx context.Context, repricer Repricer, limit int) ([]*domain.Trade, bool, error) {
	pending, err := l.store.ListUnresolved(ctx, l.cursor, limit)
	if err != nil {
		return nil, false, fmt.Errorf("list unresolved: %w", err)
	}
	wrapped := limit <= 0 || len(pending) < limit
	if wrapped {
		l.cursor = nil
	} else {
		l.cursor = storage.CursorOf(pending[len(pending)-1])
	}

	var repriced []*domain.Trade
	for _, t := range pending {
		if ctx.Err() != nil {
			return repriced, wrapped, ctx.Err()
		}
		prices, ok, err := repricer.Reprice(ctx, t)
		if err != nil {
			l.log.Warn("reprice trade", zap.String("tx", t.TxHash), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		updated, err := l.ResolvePrices(ctx, t, prices)
		if err != nil {
			l.log.Warn("store repriced trade", zap.String("tx", t.TxHash), zap.Error(err))
			continue
		}
		if updated {
			next := t.Clone()
			next.Prices = prices
			repriced = append(repriced, next)
		}
	}
	if len(repriced) > 0 {
		l.log.Info("repriced trades", zap.Int("count", len(repriced)), zap.Int("pending", len(pending)))
	}
	return repriced, wrapped, nil
}
