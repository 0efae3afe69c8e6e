package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"amm-analytics/internal/chain"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/ingestion"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/registry"
	"amm-analytics/internal/storage"
)

// ErrStopped is returned by Submit and Do once the dispatcher has stopped.
var ErrStopped = errors.New("dispatcher stopped")

// Handler processes one decoded event.
type Handler interface {
	Handle(ctx context.Context, ev domain.ChainEvent) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Shards    int // Default: 16
	QueueSize int // per shard. Default: 1024
}

type task struct {
	key  string
	ev   domain.ChainEvent // nil for Do tasks
	fn   func(ctx context.Context) error
	mark *mark
}

// mark is one entry of the completion queue: an event still in flight or a
// checkpoint. Checkpoints are committed once every event before them is done.
type mark struct {
	done bool
	pos  *storage.ChainProgress
}

// Dispatcher routes work to shard goroutines by pair address. Work for one
// pair runs in submission order; different pairs run in parallel.
//
// Completion is tracked as a watermark: Committed returns the latest
// checkpoint all of whose events have finished, so a slow pair delays the
// watermark but not other pairs.
type Dispatcher struct {
	handler Handler
	shards  []chan task
	log     *zap.Logger

	mu        sync.Mutex
	pending   int
	idle      chan struct{} // closed while pending == 0
	marks     []*mark
	committed *storage.ChainProgress
	stopped chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ ingestion.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Start must be called before Submit.
func NewDispatcher(handler Handler, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		handler: handler,
		shards:  make([]chan task, cfg.Shards),
		log:     log.Named("dispatcher"),
		idle:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(d.idle)
	for i := range d.shards {
		d.shards[i] = make(chan task, cfg.QueueSize)
	}
	return d
}

// Start launches the shard workers. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, d.shards[i])
	}
	go func() {
		<-ctx.Done()
		d.once.Do(func() { close(d.stopped) })
	}()
}

// Stop waits for the workers to exit. The context passed to Start must be
// cancelled first.
func (d *Dispatcher) Stop() {
	d.wg.Wait()
}

func (d *Dispatcher) shardFor(key string) chan task {
	return d.shards[xxhash.Sum64String(key)%uint64(len(d.shards))]
}

// Submit queues ev on the shard of its pair. An event that cannot be queued
// holds back every later checkpoint.
func (d *Dispatcher) Submit(ctx context.Context, ev domain.ChainEvent) error {
	m := &mark{}
	d.mu.Lock()
	d.marks = append(d.marks, m)
	d.mu.Unlock()
	return d.enqueue(ctx, task{key: domain.PairKey(ev), ev: ev, mark: m})
}

// Checkpoint records that every event up to p has been submitted.
func (d *Dispatcher) Checkpoint(p storage.ChainProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks = append(d.marks, &mark{done: true, pos: &p})
	d.advanceLocked()
}

// Committed returns the latest checkpoint whose events have all finished.
func (d *Dispatcher) Committed() *storage.ChainProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.committed == nil {
		return nil
	}
	p := *d.committed
	return &p
}

func (d *Dispatcher) complete(m *mark) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m.done = true
	d.advanceLocked()
}

// advanceLocked pops finished marks off the front of the queue.
func (d *Dispatcher) advanceLocked() {
	n := 0
	for n < len(d.marks) && d.marks[n].done {
		if pos := d.marks[n].pos; pos != nil {
			d.committed = pos
		}
		n++
	}
	if n > 0 {
		clear(d.marks[:n])
		d.marks = d.marks[n:]
	}
}

// Do runs fn on the shard of pair, serialized with the pair's events.
func (d *Dispatcher) Do(ctx context.Context, pair string, fn func(ctx context.Context) error) error {
	return d.enqueue(ctx, task{key: domain.NormalizeAddress(pair), fn: fn})
}

func (d *Dispatcher) enqueue(ctx context.Context, t task) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}

	d.add(1)
	select {
	case d.shardFor(t.key) <- t:
		return nil
	case <-ctx.Done():
		d.add(-1)
		return ctx.Err()
	case <-d.stopped:
		d.add(-1)
		return ErrStopped
	}
}

func (d *Dispatcher) add(delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == 0 && delta > 0 {
		d.idle = make(chan struct{})
	}
	d.pending += delta
	if d.pending == 0 {
		close(d.idle)
	}
}

// Wait blocks until every queued task has finished.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

func (d *Dispatcher) worker(ctx context.Context, queue chan task) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			d.run(ctx, t)
			if t.mark != nil {
				d.complete(t.mark)
			}
			d.add(-1)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, t task) {
	if t.fn != nil {
		if err := t.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("pair task failed", zap.String("pair", t.key), zap.Error(err))
		}
		return
	}

	name := domain.EventName(t.ev)
	start := time.Now()
	err := d.safeHandle(ctx, t.ev)
	observability.RecordEventProcessed(name, time.Since(start).Seconds())
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	observability.RecordEventError(name, errorType(err))
	meta := t.ev.Meta()
	d.log.Warn("event failed",
		zap.String("event", name),
		zap.String("pair", t.key),
		zap.Uint64("block", meta.BlockNumber),
		zap.String("tx", meta.TxHash),
		zap.Uint("log_index", meta.LogIndex),
		zap.Error(err))
}

// safeHandle keeps a panicking event from taking down its shard.
func (d *Dispatcher) safeHandle(ctx context.Context, ev domain.ChainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.handler.Handle(ctx, ev)
}

// errorType classifies a handler error for the event error counter.
func errorType(err error) string {
	switch {
	case errors.Is(err, registry.ErrDeferred):
		return "deferred"
	case errors.Is(err, chain.ErrTransient):
		return "chain"
	case storage.IsTransient(err):
		return "storage"
	case errors.Is(err, storage.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrMissingReference):
		return "missing"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "other"
}
