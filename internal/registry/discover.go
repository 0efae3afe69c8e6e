package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DiscoverResult summarizes one discovery pass.
type DiscoverResult struct {
	Enumerated int // factory indexes visited
	Registered int // pairs committed in this pass, retries included
	Deferred   int // pairs left on the deferred list
}

// Discover retries deferred pairs, then enumerates factory pairs not yet
// visited and registers them on a bounded worker pool. Failures are local to
// their pair.
func (r *Registry) Discover(ctx context.Context) (DiscoverResult, error) {
	var res DiscoverResult
	if r.cfg.Factory == "" {
		return res, errors.New("discover: no factory configured")
	}

	res.Registered = r.RetryDeferred(ctx)

	var count uint64
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		count, err = r.reader.FactoryPairCount(ctx, r.cfg.Factory)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("read pair count: %w", err)
	}

	r.mu.RLock()
	start := r.nextIndex
	r.mu.RUnlock()
	if start >= count {
		res.Deferred = len(r.Deferred())
		return res, nil
	}

	pool, err := ants.NewPool(r.cfg.Workers)
	if err != nil {
		return res, fmt.Errorf("create discovery pool: %w", err)
	}
	defer pool.Release()

	var (
		wg         sync.WaitGroup
		registered atomic.Int64
		missed     atomic.Int64
	)
	for i := start; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		index := i

		wg.Add(1)
		task := func() {
			defer wg.Done()
			committed, visited := r.discoverIndex(ctx, index)
			if committed {
				registered.Add(1)
			}
			if !visited {
				missed.Add(1)
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			missed.Add(1)
			r.log.Error("submit discovery task", zap.Uint64("index", index), zap.Error(err))
		}
		res.Enumerated++
	}
	wg.Wait()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	// Unreadable indexes are enumerated again next pass; pairs that failed
	// registration are already on the deferred list.
	if missed.Load() == 0 {
		r.mu.Lock()
		if count > r.nextIndex {
			r.nextIndex = count
		}
		r.mu.Unlock()
	}

	res.Registered += int(registered.Load())
	res.Deferred = len(r.Deferred())
	r.log.Info("discovery pass finished",
		zap.Int("enumerated", res.Enumerated),
		zap.Int("registered", res.Registered),
		zap.Int("deferred", res.Deferred))
	return res, nil
}

// discoverIndex registers the pair at a factory index. Deferred and foreign
// pairs count as visited but not committed.
func (r *Registry) discoverIndex(ctx context.Context, index uint64) (committed, visited bool) {
	var addr string
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		addr, err = r.reader.FactoryPairAt(ctx, r.cfg.Factory, index)
		return err
	})
	if err != nil {
		r.log.Warn("read factory pair", zap.Uint64("index", index), zap.Error(err))
		return false, false
	}

	if _, ok := r.Pair(addr); ok {
		return false, true
	}
	_, err = r.RegisterPair(ctx, addr)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, ErrDeferred), errors.Is(err, ErrForeignPair):
		return false, true
	default:
		return false, false
	}
}
