package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
// A single mutex makes each Merge atomic per bucket.
type CandleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Candle
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[string]*domain.Candle),
	}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

func candleKey(pair string, tf domain.Timeframe, bucketStart int64) string {
	return fmt.Sprintf("%s|%s|%d", pair, tf, bucketStart)
}

// Merge folds c into the stored bucket.
func (s *CandleStore) Merge(_ context.Context, c *domain.Candle) error {
	if c == nil || c.Pair == "" || c.Timeframe == "" {
		return storage.ErrInvalidInput
	}

	key := candleKey(c.Pair, c.Timeframe, c.BucketStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[key]
	if !ok {
		cp := *c
		s.data[key] = &cp
		return nil
	}
	next := *cur
	next.Merge(c)
	s.data[key] = &next
	return nil
}

// Replace overwrites the stored bucket.
func (s *CandleStore) Replace(_ context.Context, c *domain.Candle) error {
	if c == nil || c.Pair == "" || c.Timeframe == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.data[candleKey(c.Pair, c.Timeframe, c.BucketStart)] = &cp
	return nil
}

// Delete removes a bucket.
func (s *CandleStore) Delete(_ context.Context, pair string, tf domain.Timeframe, bucketStart int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, candleKey(pair, tf, bucketStart))
	return nil
}

// Get retrieves a bucket.
func (s *CandleStore) Get(_ context.Context, pair string, tf domain.Timeframe, bucketStart int64) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[candleKey(pair, tf, bucketStart)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetRange returns buckets with bucket_start in [start, end).
func (s *CandleStore) GetRange(_ context.Context, pair string, tf domain.Timeframe, start, end int64) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, c := range s.data {
		if c.Pair == pair && c.Timeframe == tf && c.BucketStart >= start && c.BucketStart < end {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BucketStart < result[j].BucketStart })
	return result, nil
}
