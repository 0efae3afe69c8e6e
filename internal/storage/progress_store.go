package storage

import "context"

// ChainProgress represents the last processed position in the chain.
type ChainProgress struct {
	Block    uint64 // last fully processed block
	LogIndex uint   // last processed log index within Block
}

// After reports whether (block, logIndex) lies strictly after the progress mark.
func (p *ChainProgress) After(block uint64, logIndex uint) bool {
	if p == nil {
		return true
	}
	if block != p.Block {
		return block > p.Block
	}
	return logIndex > p.LogIndex
}

// ProgressStore provides persistence for ingestion state.
// This enables catch-up after restarts without reprocessing the whole chain.
type ProgressStore interface {
	// GetLastProcessed returns the last processed position.
	// Returns ErrNotFound if no progress has been saved yet.
	GetLastProcessed(ctx context.Context) (*ChainProgress, error)

	// SetLastProcessed saves the last processed position.
	SetLastProcessed(ctx context.Context, progress *ChainProgress) error
}
