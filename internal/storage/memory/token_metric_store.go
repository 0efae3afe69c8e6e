package memory

import (
	"context"
	"sort"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TokenMetricStore is an in-memory implementation of storage.TokenMetricStore.
type TokenMetricStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.TokenMetricSnapshot // token -> snapshots sorted by timestamp
}

// NewTokenMetricStore creates a new in-memory token metric store.
func NewTokenMetricStore() *TokenMetricStore {
	return &TokenMetricStore{
		data: make(map[string][]*domain.TokenMetricSnapshot),
	}
}

// Compile-time interface check.
var _ storage.TokenMetricStore = (*TokenMetricStore)(nil)

// Insert appends a snapshot.
func (s *TokenMetricStore) Insert(_ context.Context, snap *domain.TokenMetricSnapshot) error {
	if snap == nil || snap.Token == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.data[snap.Token]
	i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp >= snap.Timestamp })
	if i < len(series) && series[i].Timestamp == snap.Timestamp {
		return storage.ErrDuplicateKey
	}

	cp := *snap
	series = append(series, nil)
	copy(series[i+1:], series[i:])
	series[i] = &cp
	s.data[snap.Token] = series
	return nil
}

// GetLatest returns the newest snapshot for token.
func (s *TokenMetricStore) GetLatest(_ context.Context, token string) (*domain.TokenMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[token]
	if len(series) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *series[len(series)-1]
	return &cp, nil
}

// GetLatestAtOrBefore returns the newest snapshot with timestamp <= ts.
func (s *TokenMetricStore) GetLatestAtOrBefore(_ context.Context, token string, ts int64) (*domain.TokenMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[token]
	i := sort.Search(len(series), func(i int) bool { return series[i].Timestamp > ts })
	if i == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *series[i-1]
	return &cp, nil
}
