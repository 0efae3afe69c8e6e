package ingestion

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chainstub "amm-analytics/internal/chain/stub"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/ingestion/stub"
	"amm-analytics/internal/storage"
	"amm-analytics/internal/storage/memory"
)

func syncAt(block uint64, index uint) types.Log {
	return chainstub.SyncLog(chainstub.LogAt{Block: block, Index: index}, testPair, big.NewInt(int64(block)), big.NewInt(int64(index)))
}

// positions returns (block, index) pairs of recorded events.
func positions(events []domain.ChainEvent) [][2]uint64 {
	out := make([][2]uint64, len(events))
	for i, ev := range events {
		m := ev.Meta()
		out[i] = [2]uint64{m.BlockNumber, uint64(m.LogIndex)}
	}
	return out
}

func TestWatcher_CatchUpOrdersAcrossChunks(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	// Intentionally unordered
	rpc.AddLog(syncAt(7, 1))
	rpc.AddLog(syncAt(3, 2))
	rpc.AddLog(syncAt(3, 0))
	rpc.AddLog(syncAt(5, 0))
	rpc.Timestamps[3] = 1000

	sink := stub.NewSink()
	progress := memory.NewProgressStore()
	w := NewWatcher(WatcherOptions{
		RPC:           rpc,
		ProgressStore: progress,
		Sink:          sink,
		StartBlock:    1,
		ChunkSize:     3,
	})

	require.NoError(t, w.CatchUp(context.Background(), 8))

	assert.Equal(t, [][2]uint64{{3, 0}, {3, 2}, {5, 0}, {7, 1}}, positions(sink.Events()))
	assert.Equal(t, int64(1000), sink.Events()[0].Meta().Timestamp)
	assert.Equal(t, 3, rpc.GetLogsCalls, "blocks 1-8 in chunks of 3")

	saved, err := progress.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), saved.Block)
}

func TestWatcher_CatchUpResumesFromProgress(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(5, 0))
	rpc.AddLog(syncAt(5, 1))
	rpc.AddLog(syncAt(5, 2))
	rpc.AddLog(syncAt(6, 0))

	progress := memory.NewProgressStore()
	require.NoError(t, progress.SetLastProcessed(context.Background(), &storage.ChainProgress{Block: 5, LogIndex: 1}))

	sink := stub.NewSink()
	w := NewWatcher(WatcherOptions{RPC: rpc, ProgressStore: progress, Sink: sink})

	require.NoError(t, w.CatchUp(context.Background(), 6))

	// Block 5 is considered complete once progress moved past it.
	assert.Equal(t, [][2]uint64{{6, 0}}, positions(sink.Events()))
}

func TestWatcher_SkipsRemovedAndMalformedLogs(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	removed := syncAt(2, 0)
	removed.Removed = true
	rpc.AddLog(removed)
	malformed := syncAt(2, 1)
	malformed.Data = []byte{0x01}
	rpc.AddLog(malformed)
	rpc.AddLog(syncAt(2, 2))
	rpc.AddLog(chainstub.PairCreatedLog(chainstub.LogAt{Block: 2, Index: 3}, "0x00000000000000000000000000000000000000f9", testToken0, testToken1, testPair, 0))

	sink := stub.NewSink()
	w := NewWatcher(WatcherOptions{RPC: rpc, ProgressStore: memory.NewProgressStore(), Sink: sink, Factory: testFactory})

	require.NoError(t, w.CatchUp(context.Background(), 2))

	assert.Equal(t, [][2]uint64{{2, 2}}, positions(sink.Events()))
}

func TestWatcher_TimestampFailureHoldsBlock(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(4, 0))
	rpc.AddLog(syncAt(5, 0))
	rpc.FailTimestamps[5] = errors.New("node unavailable")

	sink := stub.NewSink()
	w := NewWatcher(WatcherOptions{RPC: rpc, ProgressStore: memory.NewProgressStore(), Sink: sink})

	err := w.CatchUp(context.Background(), 6)
	require.Error(t, err)
	assert.Equal(t, [][2]uint64{{4, 0}}, positions(sink.Events()))
	assert.Equal(t, uint64(4), w.Progress().Block)

	delete(rpc.FailTimestamps, 5)
	w.flushAll(context.Background())
	assert.Equal(t, [][2]uint64{{4, 0}, {5, 0}}, positions(sink.Events()))
	assert.Equal(t, uint64(5), w.Progress().Block)
}

func TestWatcher_LiveBlockBasedOrdering(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	ws := chainstub.NewWSClient()
	sink := stub.NewSink()

	w := NewWatcher(WatcherOptions{
		RPC:           rpc,
		WS:            ws,
		ProgressStore: memory.NewProgressStore(),
		Sink:          sink,
		FlushInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return ws.Subscriptions() == 1 }, time.Second, 5*time.Millisecond)

	// Arrival order differs from chain order within block 10.
	ws.Push(syncAt(10, 2))
	ws.Push(syncAt(10, 0))
	ws.Push(syncAt(11, 0))

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]uint64{{10, 0}, {10, 2}}, positions(sink.Events()))

	// Block 11 stays buffered until shutdown flushes it.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, [][2]uint64{{10, 0}, {10, 2}, {11, 0}}, positions(sink.Events()))
}

func TestWatcher_ConfirmationLag(t *testing.T) {
	sink := stub.NewSink()
	w := NewWatcher(WatcherOptions{
		RPC:           chainstub.NewRPCClient(),
		ProgressStore: memory.NewProgressStore(),
		Sink:          sink,
		Confirmations: 2,
	})
	w.loaded = true
	ctx := context.Background()

	w.bufferLog(ctx, syncAt(20, 0))
	w.bufferLog(ctx, syncAt(21, 0))
	assert.Empty(t, sink.Events(), "block 20 needs two confirmations")

	w.bufferLog(ctx, syncAt(22, 0))
	assert.Equal(t, [][2]uint64{{20, 0}}, positions(sink.Events()))

	// Replays of processed logs are dropped.
	w.bufferLog(ctx, syncAt(20, 0))
	assert.Len(t, sink.Events(), 1)
	assert.Equal(t, uint64(20), w.Progress().Block)
}

// runWatcher starts w and returns a stop function that cancels it and
// waits for Run to return.
func runWatcher(t *testing.T, w *Watcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
}

func TestWatcher_BackfillsSkippedBlocks(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(10, 0))
	ws := chainstub.NewWSClient()
	sink := stub.NewSink()
	progress := memory.NewProgressStore()

	w := NewWatcher(WatcherOptions{
		RPC:           rpc,
		WS:            ws,
		ProgressStore: progress,
		Sink:          sink,
		FlushInterval: 10 * time.Millisecond,
	})
	stop := runWatcher(t, w)

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)

	// Block 15 never reaches the subscription.
	rpc.AddLog(syncAt(15, 0))
	rpc.AddLog(syncAt(20, 0))
	rpc.AddLog(syncAt(21, 0))
	ws.Push(syncAt(20, 0))
	ws.Push(syncAt(21, 0))

	require.Eventually(t, func() bool { return len(sink.Events()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]uint64{{10, 0}, {15, 0}, {20, 0}}, positions(sink.Events()))
	require.Eventually(t, func() bool {
		p, err := progress.GetLastProcessed(context.Background())
		return err == nil && p.Block == 20
	}, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, [][2]uint64{{10, 0}, {15, 0}, {20, 0}, {21, 0}}, positions(sink.Events()))
}

func TestWatcher_BackfillsAfterReconnect(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(10, 0))
	ws := chainstub.NewWSClient()
	sink := stub.NewSink()
	progress := memory.NewProgressStore()

	w := NewWatcher(WatcherOptions{
		RPC:           rpc,
		WS:            ws,
		ProgressStore: progress,
		Sink:          sink,
		FlushInterval: 10 * time.Millisecond,
	})
	stop := runWatcher(t, w)
	defer stop()

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)

	rpc.AddLog(syncAt(12, 0))
	rpc.AddLog(syncAt(12, 1))
	rpc.AddLog(syncAt(13, 0))
	rpc.AddLog(syncAt(14, 0))

	// The connection drops after delivering half of block 12.
	ws.Push(syncAt(12, 0))
	ws.Reconnect()
	ws.Push(syncAt(13, 0))
	ws.Push(syncAt(14, 0))

	require.Eventually(t, func() bool { return len(sink.Events()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]uint64{{10, 0}, {12, 0}, {12, 1}, {13, 0}}, positions(sink.Events()))
	require.Eventually(t, func() bool {
		p, err := progress.GetLastProcessed(context.Background())
		return err == nil && *p == storage.ChainProgress{Block: 13, LogIndex: 0}
	}, time.Second, 5*time.Millisecond)
}

func TestWatcher_BackfillRetriedAfterFailure(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(3, 0))
	rpc.AddLog(syncAt(4, 0))
	sink := stub.NewSink()
	w := NewWatcher(WatcherOptions{RPC: rpc, ProgressStore: memory.NewProgressStore(), Sink: sink})
	w.loaded = true
	ctx := context.Background()

	w.bufferLog(ctx, syncAt(1, 0))
	rpc.SetGetLogsErr(errors.New("rate limited"))
	w.bufferLog(ctx, syncAt(5, 0))
	w.bufferLog(ctx, syncAt(6, 0))
	assert.Equal(t, [][2]uint64{{1, 0}}, positions(sink.Events()), "nothing after the unfilled gap is released")

	rpc.SetGetLogsErr(nil)
	w.processConfirmedBlocks(ctx)
	assert.Equal(t, [][2]uint64{{1, 0}, {3, 0}, {4, 0}, {5, 0}}, positions(sink.Events()))
}

func TestWatcher_SlowEventHoldsProgressOnly(t *testing.T) {
	rpc := chainstub.NewRPCClient()
	rpc.AddLog(syncAt(1, 0))
	rpc.AddLog(syncAt(2, 0))
	sink := stub.NewSink()
	sink.Hold()
	progress := memory.NewProgressStore()

	w := NewWatcher(WatcherOptions{
		RPC:           rpc,
		ProgressStore: progress,
		Sink:          sink,
		StartBlock:    1,
		ChunkSize:     1,
	})
	ctx := context.Background()

	require.NoError(t, w.CatchUp(ctx, 2))
	assert.Len(t, sink.Events(), 2, "submission does not wait for processing")
	assert.Zero(t, sink.Waits())

	_, err := progress.GetLastProcessed(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing committed yet")

	sink.Release()
	w.checkpoint(ctx)
	saved, err := progress.GetLastProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChainProgress{Block: 2, LogIndex: 0}, *saved)
}
