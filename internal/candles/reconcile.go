package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"amm-analytics/internal/domain"
)

// ReconcileRange re-derives every closed bucket of pair overlapping
// [from, to) from the ledger. Stored buckets without trades are removed.
// Open buckets are skipped; they belong to the incremental path.
func (a *Aggregator) ReconcileRange(ctx context.Context, pair string, from, to int64) (int, error) {
	pair = domain.NormalizeAddress(pair)
	if from >= to {
		return 0, nil
	}
	now := a.now()

	rebuilt := 0
	var errs []error
	for _, tf := range a.cfg.Timeframes {
		start := tf.BucketStart(from)
		end := tf.BucketEnd(to - 1)

		trades, err := a.trades.Query(ctx, pair, start, end)
		if err != nil {
			return rebuilt, fmt.Errorf("reconcile %s %s: %w", pair, tf, err)
		}
		stored, err := a.store.GetRange(ctx, pair, tf, start, end)
		if err != nil {
			return rebuilt, fmt.Errorf("reconcile %s %s: %w", pair, tf, err)
		}

		byBucket := make(map[int64][]*domain.Trade)
		for _, t := range trades {
			b := tf.BucketStart(t.Timestamp)
			byBucket[b] = append(byBucket[b], t)
		}
		for _, c := range stored {
			if _, ok := byBucket[c.BucketStart]; !ok {
				byBucket[c.BucketStart] = nil
			}
		}

		for bucket, bucketTrades := range byBucket {
			if ctx.Err() != nil {
				return rebuilt, ctx.Err()
			}
			if a.isOpen(tf, bucket, now) {
				continue
			}
			key := bucketKey{pair: pair, tf: tf, start: bucket}
			if err := a.write(ctx, key, domain.BuildCandle(pair, tf, bucket, bucketTrades)); err != nil {
				errs = append(errs, err)
				continue
			}
			rebuilt++
		}
	}
	return rebuilt, errors.Join(errs...)
}

// ReconcileWindow re-derives the last lookback of every listed pair. Run
// calls it once at startup to repair gaps left by a restart.
func (a *Aggregator) ReconcileWindow(ctx context.Context, pairs PairLister, lookback time.Duration) int {
	to := a.now().Unix()
	from := to - int64(lookback/time.Second)

	total := 0
	for _, p := range pairs.Pairs() {
		if ctx.Err() != nil {
			break
		}
		n, err := a.ReconcileRange(ctx, p.Address, from, to)
		total += n
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("startup reconcile", zap.String("pair", p.Address), zap.Error(err))
		}
	}
	return total
}

// Run reconciles the lookback window once, then closed buckets on every
// interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, pairs PairLister) error {
	if pairs != nil {
		n := a.ReconcileWindow(ctx, pairs, a.cfg.Lookback)
		a.log.Info("startup reconcile done", zap.Int("buckets", n), zap.Duration("lookback", a.cfg.Lookback))
	}

	ticker := time.NewTicker(a.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.Reconcile(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("reconcile", zap.Error(err))
			}
			if n > 0 {
				a.log.Debug("reconciled buckets", zap.Int("buckets", n), zap.Int("pending", a.Pending()))
			}
		}
	}
}
