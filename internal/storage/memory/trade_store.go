package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Trade // keyed by (tx_hash, log_index)
	byPair map[string][]string      // pair -> keys in insertion order
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data:   make(map[string]*domain.Trade),
		byPair: make(map[string][]string),
	}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// tradeKey generates a unique key for a trade.
func tradeKey(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s|%d", txHash, logIndex)
}

// InsertIgnore adds a trade unless its key exists.
func (s *TradeStore) InsertIgnore(_ context.Context, t *domain.Trade) (bool, error) {
	if t == nil || t.TxHash == "" || t.Pair == "" {
		return false, storage.ErrInvalidInput
	}

	key := tradeKey(t.TxHash, t.LogIndex)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = t.Clone()
	s.byPair[t.Pair] = append(s.byPair[t.Pair], key)
	return true, nil
}

// GetByPairTimeRange returns trades of a pair with timestamp in [start, end).
func (s *TradeStore) GetByPairTimeRange(_ context.Context, pair string, start, end int64) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, key := range s.byPair[pair] {
		t := s.data[key]
		if t.Timestamp >= start && t.Timestamp < end {
			result = append(result, t.Clone())
		}
	}
	sortTrades(result)
	return result, nil
}

// GetLatestByPair returns the most recent trade of a pair.
func (s *TradeStore) GetLatestByPair(_ context.Context, pair string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Trade
	for _, key := range s.byPair[pair] {
		t := s.data[key]
		if latest == nil || domain.CompareTrades(t, latest) > 0 {
			latest = t
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

// ListUnresolved returns up to limit unresolved trades after the cursor, oldest first.
func (s *TradeStore) ListUnresolved(_ context.Context, after *storage.TradeCursor, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range s.data {
		if !t.Prices.Resolved && !after.Reached(t) {
			result = append(result, t.Clone())
		}
	}
	sortTrades(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ResolvePrices fills prices of an unresolved trade exactly once.
func (s *TradeStore) ResolvePrices(_ context.Context, txHash string, logIndex uint, prices domain.TradePrices) (bool, error) {
	if !prices.Resolved {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[tradeKey(txHash, logIndex)]
	if !ok || t.Prices.Resolved {
		return false, nil
	}
	next := t.Clone()
	next.Prices = prices
	s.data[tradeKey(txHash, logIndex)] = next
	return true, nil
}

func sortTrades(trades []*domain.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		return domain.CompareTrades(trades[i], trades[j]) < 0
	})
}
