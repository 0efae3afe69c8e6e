package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"amm-analytics/internal/cache"
	"amm-analytics/internal/chain"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
	"amm-analytics/internal/storage"
)

// EventSink receives decoded events in chain order.
type EventSink interface {
	// Submit hands ev to downstream processing. It may return before ev is processed.
	Submit(ctx context.Context, ev domain.ChainEvent) error
	// Checkpoint records that every event up to p has been submitted.
	Checkpoint(p storage.ChainProgress)
	// Committed returns the latest checkpoint whose events have all been
	// processed, nil before any.
	Committed() *storage.ChainProgress
	// Wait blocks until every submitted event has been processed.
	Wait(ctx context.Context) error
}

// blockRange is an inclusive range of blocks.
type blockRange struct {
	from, to uint64
}

// Watcher follows the chain: it catches up with eth_getLogs from the last
// stored progress, then follows a live log subscription. Live logs are
// buffered per block and released once a block is Confirmations behind the
// highest block seen. Blocks the subscription may have missed, after a
// reconnect or across a jump in block numbers, are fetched with eth_getLogs
// before anything after them is released.
//
// Progress is persisted from the sink's committed checkpoint, so a slow
// event holds back the stored position without blocking other events.
type Watcher struct {
	rpc           chain.RPCClient
	ws            chain.WSClient
	progressStore storage.ProgressStore
	sink          EventSink
	decoder       *Decoder
	startBlock    uint64
	confirmations uint64
	chunkSize     uint64
	flushInterval time.Duration
	log           *zap.Logger

	timestamps *cache.TTL[uint64, int64]

	// Block-based buffer for deterministic ordering.
	// Logs are grouped by block and processed when the block is confirmed.
	buffer       map[uint64][]types.Log
	highestBlock uint64
	cursor       *storage.ChainProgress // last position handed to the sink
	saved        *storage.ChainProgress // last position persisted
	gap          *blockRange            // blocks to fetch before releasing later ones
	loaded       bool
}

// WatcherOptions contains configuration for creating a Watcher.
type WatcherOptions struct {
	RPC           chain.RPCClient
	WS            chain.WSClient // nil disables live following
	ProgressStore storage.ProgressStore
	Sink          EventSink
	Factory       string // PairCreated from other factories is ignored
	StartBlock    uint64 // first block when no progress is stored
	Confirmations uint64 // Default: 0 - process a block once a later one is seen
	ChunkSize     uint64 // Default: 2000 blocks per eth_getLogs call
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// NewWatcher creates a new chain watcher.
func NewWatcher(opts WatcherOptions) *Watcher {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = 2000
	}

	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Watcher{
		rpc:           opts.RPC,
		ws:            opts.WS,
		progressStore: opts.ProgressStore,
		sink:          opts.Sink,
		decoder:       NewDecoder(opts.Factory),
		startBlock:    opts.StartBlock,
		confirmations: opts.Confirmations,
		chunkSize:     chunkSize,
		flushInterval: flushInterval,
		log:           log.Named("watcher"),
		timestamps:    cache.NewTTL[uint64, int64](4096, 0),
		buffer:        make(map[uint64][]types.Log),
	}
}

// filter returns the log filter for every event the pipeline consumes.
// Pair events are not filtered by address: pairs are discovered on the fly.
func (w *Watcher) filter() chain.LogFilter {
	return chain.LogFilter{Topics: [][]common.Hash{w.decoder.Topics()}}
}

// Run catches up and then follows the live subscription.
// It blocks until ctx is cancelled or the subscription ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.loadProgress(ctx); err != nil {
		return err
	}

	// Subscribe before catching up so no block falls between the two.
	var live <-chan types.Log
	var reconnected <-chan struct{}
	if w.ws != nil {
		ch, err := w.ws.SubscribeLogs(ctx, w.filter())
		if err != nil {
			return fmt.Errorf("subscribe logs: %w", err)
		}
		live = ch
		reconnected = w.ws.Reconnected()
	}

	head, err := w.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}
	if err := w.CatchUp(ctx, head); err != nil {
		return err
	}

	if live == nil {
		return nil
	}

	flushTicker := time.NewTicker(w.flushInterval)
	defer flushTicker.Stop()

	w.log.Info("following chain",
		zap.Uint64("head", head),
		zap.Uint64("confirmations", w.confirmations),
		zap.Duration("flush_interval", w.flushInterval))

	for {
		select {
		case <-ctx.Done():
			// Flush remaining logs before shutdown.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			w.flushAll(flushCtx)
			if err := w.sink.Wait(flushCtx); err != nil {
				w.log.Debug("sink not drained", zap.Error(err))
			}
			w.checkpoint(flushCtx)
			cancel()
			w.log.Info("watcher stopping")
			return ctx.Err()

		case lg, ok := <-live:
			if !ok {
				return errors.New("log subscription closed")
			}
			// A pending reconnect is handled before any log that follows it.
			select {
			case <-reconnected:
				w.resubscribed(ctx)
			default:
			}
			w.bufferLog(ctx, lg)

		case <-reconnected:
			w.resubscribed(ctx)

		case <-flushTicker.C:
			// Retry confirmed blocks held back by a failed timestamp lookup
			// or backfill, and persist progress of late completions.
			w.processConfirmedBlocks(ctx)
			w.checkpoint(ctx)
		}
	}
}

func (w *Watcher) loadProgress(ctx context.Context) error {
	p, err := w.progressStore.GetLastProcessed(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		w.cursor, w.saved = nil, nil
	case err != nil:
		return fmt.Errorf("load progress: %w", err)
	default:
		w.cursor, w.saved = p, p
		w.highestBlock = p.Block
	}
	w.loaded = true
	return nil
}

// nextBlock returns the first block not yet fully submitted.
func (w *Watcher) nextBlock() uint64 {
	if w.cursor == nil {
		return w.startBlock
	}
	return w.cursor.Block + 1
}

// CatchUp processes every log from the stored progress up to head in chunks.
func (w *Watcher) CatchUp(ctx context.Context, head uint64) error {
	if !w.loaded {
		if err := w.loadProgress(ctx); err != nil {
			return err
		}
	}

	from := w.nextBlock()
	if from > head {
		return nil
	}
	w.log.Info("catching up", zap.Uint64("from", from), zap.Uint64("to", head))

	for start := from; start <= head; start += w.chunkSize {
		end := min(start+w.chunkSize-1, head)

		logs, err := w.fetchLogs(ctx, start, end)
		if err != nil {
			return err
		}
		w.bufferLogs(logs)
		if end > w.highestBlock {
			w.highestBlock = end
		}
		if !w.processBlocksUpTo(ctx, end) {
			return fmt.Errorf("catch up stalled before block %d", w.nextBlock())
		}

		// Blocks without logs still advance progress.
		w.advance(&storage.ChainProgress{Block: end, LogIndex: lastIndex(logs, end)})
		w.checkpoint(ctx)
	}
	return nil
}

// fetchLogs returns the logs of [from, to] in chain order.
func (w *Watcher) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	f := w.filter()
	f.FromBlock, f.ToBlock = from, to
	logs, err := w.rpc.GetLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("get logs %d-%d: %w", from, to, err)
	}
	SortLogs(logs)
	return DedupeLogs(logs), nil
}

// bufferLogs adds logs not yet submitted to the block buffer.
func (w *Watcher) bufferLogs(logs []types.Log) {
	for _, lg := range logs {
		if w.cursor.After(lg.BlockNumber, lg.Index) {
			w.buffer[lg.BlockNumber] = append(w.buffer[lg.BlockNumber], lg)
		}
	}
}

// bufferLog adds a live log to the block buffer and processes confirmed blocks.
func (w *Watcher) bufferLog(ctx context.Context, lg types.Log) {
	if !w.cursor.After(lg.BlockNumber, lg.Index) {
		return
	}

	block := lg.BlockNumber
	if w.highestBlock > 0 && block > w.highestBlock+1 {
		w.markGap(w.highestBlock+1, block-1)
	}
	w.buffer[block] = append(w.buffer[block], lg)

	if block > w.highestBlock {
		w.highestBlock = block
		observability.UpdateHighestBlock(block)
		w.processConfirmedBlocks(ctx)
	} else if limit, ok := w.confirmedLimit(); ok && block <= limit {
		// Late log for an already confirmed block: process immediately.
		w.processBlocksUpTo(ctx, block)
	}
	observability.UpdateBlockBuffer(len(w.buffer))
}

// resubscribed backfills every block mined up to now: the subscription may
// have missed any log after the last submitted position. Later blocks it
// missed show up as a jump in block numbers.
func (w *Watcher) resubscribed(ctx context.Context) {
	head, err := w.rpc.BlockNumber(ctx)
	if err != nil {
		w.log.Warn("head unavailable after reconnect", zap.Error(err))
		head = w.highestBlock
	}
	w.log.Warn("subscription reconnected, backfilling",
		zap.Uint64("from", w.nextBlock()),
		zap.Uint64("to", head))

	w.markGap(w.nextBlock(), head)
	if head > w.highestBlock {
		w.highestBlock = head
		observability.UpdateHighestBlock(head)
	}
	w.processConfirmedBlocks(ctx)
}

// markGap records [from, to] as possibly missing from the subscription.
func (w *Watcher) markGap(from, to uint64) {
	if from > to {
		return
	}
	if w.gap == nil {
		w.gap = &blockRange{from: from, to: to}
		return
	}
	w.gap.from = min(w.gap.from, from)
	w.gap.to = max(w.gap.to, to)
}

// fillGap fetches the logs of the pending gap into the buffer. On failure
// the unfetched remainder stays pending.
func (w *Watcher) fillGap(ctx context.Context) bool {
	g := w.gap
	if g == nil {
		return true
	}
	for start := g.from; start <= g.to; start += w.chunkSize {
		end := min(start+w.chunkSize-1, g.to)
		logs, err := w.fetchLogs(ctx, start, end)
		if err != nil {
			g.from = start
			w.log.Warn("backfill failed", zap.Uint64("from", start), zap.Uint64("to", g.to), zap.Error(err))
			return false
		}
		w.bufferLogs(logs)
	}
	w.log.Info("backfilled blocks", zap.Uint64("from", g.from), zap.Uint64("to", g.to))
	w.gap = nil
	return true
}

// confirmedLimit returns the highest block eligible for processing.
// A block is complete once a later block has been seen.
func (w *Watcher) confirmedLimit() (uint64, bool) {
	lag := max(w.confirmations, 1)
	if w.highestBlock < lag {
		return 0, false
	}
	return w.highestBlock - lag, true
}

// processConfirmedBlocks processes buffered blocks that are Confirmations
// behind the highest block seen.
func (w *Watcher) processConfirmedBlocks(ctx context.Context) {
	if limit, ok := w.confirmedLimit(); ok {
		w.processBlocksUpTo(ctx, limit)
	}
}

// flushAll processes every buffered block on shutdown.
func (w *Watcher) flushAll(ctx context.Context) {
	w.processBlocksUpTo(ctx, w.highestBlock)
}

// processBlocksUpTo processes buffered blocks <= limit in order. It stops
// before an unfilled gap and at the first block whose timestamp cannot be
// fetched, leaving it buffered, and reports whether every eligible block
// was processed.
func (w *Watcher) processBlocksUpTo(ctx context.Context, limit uint64) bool {
	complete := true
	if !w.fillGap(ctx) {
		complete = false
		if w.gap.from == 0 {
			return false
		}
		limit = min(limit, w.gap.from-1)
	}

	var blocks []uint64
	for block := range w.buffer {
		if block <= limit {
			blocks = append(blocks, block)
		}
	}
	slices.Sort(blocks)

	for _, block := range blocks {
		p, err := w.processBlock(ctx, block)
		if err != nil {
			w.log.Warn("block held back", zap.Uint64("block", block), zap.Error(err))
			complete = false
			break
		}
		if p != nil {
			w.advance(p)
		}
	}

	w.checkpoint(ctx)
	observability.UpdateBlockBuffer(len(w.buffer))
	return complete
}

// processBlock decodes and submits the logs of one block in log-index order.
func (w *Watcher) processBlock(ctx context.Context, block uint64) (*storage.ChainProgress, error) {
	logs := w.buffer[block]
	SortLogs(logs)
	logs = DedupeLogs(logs)

	var last *storage.ChainProgress
	var pending []types.Log
	for _, lg := range logs {
		if lg.Removed {
			w.log.Debug("skipping removed log", zap.Uint64("block", lg.BlockNumber), zap.Uint("index", lg.Index))
			continue
		}
		if !w.cursor.After(lg.BlockNumber, lg.Index) {
			continue
		}
		pending = append(pending, lg)
	}

	if len(pending) > 0 {
		ts, err := w.blockTimestamp(ctx, block)
		if err != nil {
			return nil, err
		}
		for _, lg := range pending {
			w.submit(ctx, lg, ts)
			last = &storage.ChainProgress{Block: block, LogIndex: lg.Index}
		}
	}

	delete(w.buffer, block)
	return last, nil
}

func (w *Watcher) submit(ctx context.Context, lg types.Log, ts int64) {
	ev, err := w.decoder.Decode(lg, ts)
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		return
	case err != nil:
		observability.RecordDecodeError()
		w.log.Warn("skipping malformed log",
			zap.String("tx", lg.TxHash.Hex()),
			zap.Uint("index", lg.Index),
			zap.Error(err))
		return
	}
	if err := w.sink.Submit(ctx, ev); err != nil {
		w.log.Warn("submit event", zap.String("event", domain.EventName(ev)), zap.Error(err))
	}
}

func (w *Watcher) blockTimestamp(ctx context.Context, block uint64) (int64, error) {
	if ts, ok := w.timestamps.Get(block); ok {
		return ts, nil
	}
	ts, err := w.rpc.BlockTimestamp(ctx, block)
	if err != nil {
		return 0, fmt.Errorf("block %d timestamp: %w", block, err)
	}
	w.timestamps.Set(block, ts)
	return ts, nil
}

// advance moves the submitted cursor to p and checkpoints it with the sink.
func (w *Watcher) advance(p *storage.ChainProgress) {
	if !w.cursor.After(p.Block, p.LogIndex) {
		return
	}
	w.cursor = p
	w.sink.Checkpoint(*p)
}

// checkpoint persists the sink's committed position when it moved.
func (w *Watcher) checkpoint(ctx context.Context) {
	p := w.sink.Committed()
	if p == nil || !w.saved.After(p.Block, p.LogIndex) {
		return
	}
	if err := w.progressStore.SetLastProcessed(ctx, p); err != nil {
		w.log.Warn("save progress", zap.Uint64("block", p.Block), zap.Error(err))
		return
	}
	w.saved = p
	observability.UpdateProcessedBlock(p.Block)
}

// Progress returns the last position handed to the sink, nil before any.
func (w *Watcher) Progress() *storage.ChainProgress {
	if w.cursor == nil {
		return nil
	}
	p := *w.cursor
	return &p
}

// lastIndex returns the highest log index of block in sorted logs.
func lastIndex(logs []types.Log, block uint64) uint {
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].BlockNumber == block {
			return logs[i].Index
		}
	}
	return 0
}
