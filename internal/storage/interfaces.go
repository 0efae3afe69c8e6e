package storage

import (
	"context"
	"math/big"

	"amm-analytics/internal/domain"
)

// TokenStore provides access to tokens storage.
type TokenStore interface {
	// Insert adds a new token. Returns ErrDuplicateKey if address exists.
	Insert(ctx context.Context, t *domain.Token) error

	// Get retrieves a token by address. Returns ErrNotFound if not exists.
	Get(ctx context.Context, address string) (*domain.Token, error)

	// List returns all tokens ordered by address.
	List(ctx context.Context) ([]*domain.Token, error)

	// UpdateMetadata refreshes symbol, name, decimals, supply and placeholder flag.
	// Returns ErrNotFound if not exists.
	UpdateMetadata(ctx context.Context, t *domain.Token) error
}

// PairStore provides access to pairs storage.
type PairStore interface {
	// Insert adds a new pair. Returns ErrDuplicateKey if address exists and
	// ErrMissingReference if either token is not committed.
	Insert(ctx context.Context, p *domain.Pair) error

	// Get retrieves a pair by address. Returns ErrNotFound if not exists.
	Get(ctx context.Context, address string) (*domain.Pair, error)

	// List returns all pairs ordered by address.
	List(ctx context.Context) ([]*domain.Pair, error)

	// UpdateReserves stores reserves observed at block. Updates older than the
	// stored sync block are ignored. Returns ErrNotFound if not exists.
	UpdateReserves(ctx context.Context, address string, reserve0, reserve1 *big.Int, block uint64) error

	// UpdateTotalSupply stores the LP supply. Returns ErrNotFound if not exists.
	UpdateTotalSupply(ctx context.Context, address string, supply *big.Int) error
}

// TradeCursor is a keyset position in ledger order.
type TradeCursor struct {
	Timestamp int64
	Block     uint64
	LogIndex  uint
}

// CursorOf returns the ledger position of t.
func CursorOf(t *domain.Trade) *TradeCursor {
	return &TradeCursor{Timestamp: t.Timestamp, Block: t.BlockNumber, LogIndex: t.LogIndex}
}

// Reached reports whether t lies at or before the cursor. A nil cursor has
// reached no trade.
func (c *TradeCursor) Reached(t *domain.Trade) bool {
	if c == nil {
		return false
	}
	switch {
	case t.Timestamp != c.Timestamp:
		return t.Timestamp < c.Timestamp
	case t.BlockNumber != c.Block:
		return t.BlockNumber < c.Block
	}
	return t.LogIndex <= c.LogIndex
}

// TradeStore provides access to the append-only trades ledger.
type TradeStore interface {
	// InsertIgnore adds a trade unless (tx_hash, log_index) exists.
	// Returns true when a row was inserted.
	InsertIgnore(ctx context.Context, t *domain.Trade) (bool, error)

	// GetByPairTimeRange returns trades for a pair with timestamp in [start, end),
	// ordered by (timestamp, block_number, log_index).
	GetByPairTimeRange(ctx context.Context, pair string, start, end int64) ([]*domain.Trade, error)

	// GetLatestByPair returns the most recent trade of a pair. Returns ErrNotFound if none.
	GetLatestByPair(ctx context.Context, pair string) (*domain.Trade, error)

	// ListUnresolved returns up to limit unresolved trades ordered by
	// (timestamp, block_number, log_index), starting strictly after the
	// cursor. A nil cursor starts from the oldest trade.
	ListUnresolved(ctx context.Context, after *TradeCursor, limit int) ([]*domain.Trade, error)

	// ResolvePrices fills the price columns of an unresolved trade.
	// Returns false if the trade is missing or already resolved.
	ResolvePrices(ctx context.Context, txHash string, logIndex uint, prices domain.TradePrices) (bool, error)
}

// CandleStore provides access to candles storage.
type CandleStore interface {
	// Merge atomically folds c into the stored bucket (max/min/earliest/latest/sum),
	// creating it when missing.
	Merge(ctx context.Context, c *domain.Candle) error

	// Replace overwrites the stored bucket with c.
	Replace(ctx context.Context, c *domain.Candle) error

	// Delete removes a bucket. Missing buckets are not an error.
	Delete(ctx context.Context, pair string, tf domain.Timeframe, bucketStart int64) error

	// Get retrieves a bucket. Returns ErrNotFound if not exists.
	Get(ctx context.Context, pair string, tf domain.Timeframe, bucketStart int64) (*domain.Candle, error)

	// GetRange returns buckets with bucket_start in [start, end) ordered by bucket_start.
	GetRange(ctx context.Context, pair string, tf domain.Timeframe, start, end int64) ([]*domain.Candle, error)
}

// TokenMetricStore provides access to the append-only token_metrics series.
type TokenMetricStore interface {
	// Insert appends a snapshot. Returns ErrDuplicateKey if (token, timestamp) exists.
	Insert(ctx context.Context, s *domain.TokenMetricSnapshot) error

	// GetLatest returns the newest snapshot for token. Returns ErrNotFound if none.
	GetLatest(ctx context.Context, token string) (*domain.TokenMetricSnapshot, error)

	// GetLatestAtOrBefore returns the newest snapshot with timestamp <= ts.
	// Returns ErrNotFound if none.
	GetLatestAtOrBefore(ctx context.Context, token string, ts int64) (*domain.TokenMetricSnapshot, error)
}
