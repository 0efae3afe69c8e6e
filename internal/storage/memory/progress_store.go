package memory

import (
	"context"
	"sync"

	"amm-analytics/internal/storage"
)

// ProgressStore is an in-memory implementation of storage.ProgressStore.
type ProgressStore struct {
	mu       sync.RWMutex
	progress *storage.ChainProgress
}

// NewProgressStore creates a new in-memory progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{}
}

// Compile-time interface check.
var _ storage.ProgressStore = (*ProgressStore)(nil)

// GetLastProcessed returns the last processed position.
func (s *ProgressStore) GetLastProcessed(_ context.Context) (*storage.ChainProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.progress == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.progress
	return &cp, nil
}

// SetLastProcessed saves the last processed position.
func (s *ProgressStore) SetLastProcessed(_ context.Context, progress *storage.ChainProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *progress
	s.progress = &cp
	return nil
}
