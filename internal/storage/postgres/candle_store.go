package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// CandleStore implements storage.CandleStore using PostgreSQL.
// Merge is a single INSERT ... ON CONFLICT statement, so concurrent merges
// on the same bucket serialize on the row lock.
type CandleStore struct {
	pool *Pool
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(pool *Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

const candleColumns = `
	pair, timeframe, bucket_start,
	open_quote, high_quote, low_quote, close_quote,
	open_fiat, high_fiat, low_fiat, close_fiat,
	volume, trade_count, open_ts, open_ord, close_ts, close_ord`

const candleInsert = `
	INSERT INTO candles (` + candleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

// Merge folds c into the stored bucket.
func (s *CandleStore) Merge(ctx context.Context, c *domain.Candle) error {
	if c == nil || c.Pair == "" || c.Timeframe == "" {
		return storage.ErrInvalidInput
	}

	query := candleInsert + `
		ON CONFLICT (pair, timeframe, bucket_start) DO UPDATE SET
			high_quote = GREATEST(candles.high_quote, EXCLUDED.high_quote),
			low_quote  = LEAST(candles.low_quote, EXCLUDED.low_quote),
			high_fiat  = GREATEST(candles.high_fiat, EXCLUDED.high_fiat),
			low_fiat   = LEAST(candles.low_fiat, EXCLUDED.low_fiat),
			open_quote = CASE WHEN (EXCLUDED.open_ts, EXCLUDED.open_ord) < (candles.open_ts, candles.open_ord)
			                  THEN EXCLUDED.open_quote ELSE candles.open_quote END,
			open_fiat  = CASE WHEN (EXCLUDED.open_ts, EXCLUDED.open_ord) < (candles.open_ts, candles.open_ord)
			                  THEN EXCLUDED.open_fiat ELSE candles.open_fiat END,
			open_ts    = CASE WHEN (EXCLUDED.open_ts, EXCLUDED.open_ord) < (candles.open_ts, candles.open_ord)
			                  THEN EXCLUDED.open_ts ELSE candles.open_ts END,
			open_ord   = CASE WHEN (EXCLUDED.open_ts, EXCLUDED.open_ord) < (candles.open_ts, candles.open_ord)
			                  THEN EXCLUDED.open_ord ELSE candles.open_ord END,
			close_quote = CASE WHEN (EXCLUDED.close_ts, EXCLUDED.close_ord) > (candles.close_ts, candles.close_ord)
			                   THEN EXCLUDED.close_quote ELSE candles.close_quote END,
			close_fiat  = CASE WHEN (EXCLUDED.close_ts, EXCLUDED.close_ord) > (candles.close_ts, candles.close_ord)
			                   THEN EXCLUDED.close_fiat ELSE candles.close_fiat END,
			close_ts    = CASE WHEN (EXCLUDED.close_ts, EXCLUDED.close_ord) > (candles.close_ts, candles.close_ord)
			                   THEN EXCLUDED.close_ts ELSE candles.close_ts END,
			close_ord   = CASE WHEN (EXCLUDED.close_ts, EXCLUDED.close_ord) > (candles.close_ts, candles.close_ord)
			                   THEN EXCLUDED.close_ord ELSE candles.close_ord END,
			volume      = candles.volume + EXCLUDED.volume,
			trade_count = candles.trade_count + EXCLUDED.trade_count,
			updated_at  = NOW()
	`

	if _, err := s.pool.Exec(ctx, query, candleArgs(c)...); err != nil {
		if isMissingReferenceError(err) {
			return storage.ErrMissingReference
		}
		return fmt.Errorf("merge candle: %w", err)
	}
	return nil
}

// Replace overwrites the stored bucket with c.
func (s *CandleStore) Replace(ctx context.Context, c *domain.Candle) error {
	if c == nil || c.Pair == "" || c.Timeframe == "" {
		return storage.ErrInvalidInput
	}

	query := candleInsert + `
		ON CONFLICT (pair, timeframe, bucket_start) DO UPDATE SET
			open_quote = EXCLUDED.open_quote, high_quote = EXCLUDED.high_quote,
			low_quote = EXCLUDED.low_quote, close_quote = EXCLUDED.close_quote,
			open_fiat = EXCLUDED.open_fiat, high_fiat = EXCLUDED.high_fiat,
			low_fiat = EXCLUDED.low_fiat, close_fiat = EXCLUDED.close_fiat,
			volume = EXCLUDED.volume, trade_count = EXCLUDED.trade_count,
			open_ts = EXCLUDED.open_ts, open_ord = EXCLUDED.open_ord,
			close_ts = EXCLUDED.close_ts, close_ord = EXCLUDED.close_ord,
			updated_at = NOW()
	`

	if _, err := s.pool.Exec(ctx, query, candleArgs(c)...); err != nil {
		if isMissingReferenceError(err) {
			return storage.ErrMissingReference
		}
		return fmt.Errorf("replace candle: %w", err)
	}
	return nil
}

// Delete removes a bucket.
func (s *CandleStore) Delete(ctx context.Context, pair string, tf domain.Timeframe, bucketStart int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM candles WHERE pair = $1 AND timeframe = $2 AND bucket_start = $3
	`, pair, string(tf), bucketStart)
	if err != nil {
		return fmt.Errorf("delete candle: %w", err)
	}
	return nil
}

// Get retrieves a bucket. Returns ErrNotFound if not exists.
func (s *CandleStore) Get(ctx context.Context, pair string, tf domain.Timeframe, bucketStart int64) (*domain.Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND bucket_start = $3
	`

	rows, err := s.pool.Query(ctx, query, pair, string(tf), bucketStart)
	if err != nil {
		return nil, fmt.Errorf("get candle: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, storage.ErrNotFound
	}
	return candles[0], nil
}

// GetRange returns buckets with bucket_start in [start, end).
func (s *CandleStore) GetRange(ctx context.Context, pair string, tf domain.Timeframe, start, end int64) ([]*domain.Candle, error) {
	query := `SELECT ` + candleColumns + `
		FROM candles
		WHERE pair = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start < $4
		ORDER BY bucket_start ASC
	`

	rows, err := s.pool.Query(ctx, query, pair, string(tf), start, end)
	if err != nil {
		return nil, fmt.Errorf("get candle range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

func candleArgs(c *domain.Candle) []any {
	return []any{
		c.Pair,
		string(c.Timeframe),
		c.BucketStart,
		c.OpenQuote,
		c.HighQuote,
		c.LowQuote,
		c.CloseQuote,
		c.OpenFiat,
		c.HighFiat,
		c.LowFiat,
		c.CloseFiat,
		c.Volume,
		c.TradeCount,
		c.OpenTs,
		c.OpenOrd,
		c.CloseTs,
		c.CloseOrd,
	}
}

// scanCandles scans multiple rows into a slice of Candle.
func scanCandles(rows pgx.Rows) ([]*domain.Candle, error) {
	var candles []*domain.Candle

	for rows.Next() {
		var (
			c  domain.Candle
			tf string
		)
		err := rows.Scan(
			&c.Pair,
			&tf,
			&c.BucketStart,
			&c.OpenQuote,
			&c.HighQuote,
			&c.LowQuote,
			&c.CloseQuote,
			&c.OpenFiat,
			&c.HighFiat,
			&c.LowFiat,
			&c.CloseFiat,
			&c.Volume,
			&c.TradeCount,
			&c.OpenTs,
			&c.OpenOrd,
			&c.CloseTs,
			&c.CloseOrd,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		c.Timeframe = domain.Timeframe(tf)
		candles = append(candles, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return candles, nil
}
