package postgres

import (
	"context"
	"fmt"

	"amm-analytics/internal/storage"
)

// ProgressStore is a PostgreSQL implementation of storage.ProgressStore.
// Uses a single-row chain_progress table.
type ProgressStore struct {
	pool *Pool
}

// NewProgressStore creates a new PostgreSQL progress store.
func NewProgressStore(pool *Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProgressStore = (*ProgressStore)(nil)

// GetLastProcessed returns the last processed position.
func (s *ProgressStore) GetLastProcessed(ctx context.Context) (*storage.ChainProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT block, log_index
		FROM chain_progress
		WHERE id = 1
	`)

	var (
		block    int64
		logIndex int32
	)
	if err := row.Scan(&block, &logIndex); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get chain progress: %w", err)
	}

	return &storage.ChainProgress{Block: uint64(block), LogIndex: uint(logIndex)}, nil
}

// SetLastProcessed saves the last processed position.
// Uses upsert to handle initial insert and subsequent updates.
func (s *ProgressStore) SetLastProcessed(ctx context.Context, progress *storage.ChainProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chain_progress (id, block, log_index, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET block = EXCLUDED.block,
		    log_index = EXCLUDED.log_index,
		    updated_at = NOW()
	`, int64(progress.Block), int32(progress.LogIndex))
	if err != nil {
		return fmt.Errorf("set chain progress: %w", err)
	}
	return nil
}
