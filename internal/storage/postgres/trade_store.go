package postgres

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	tx_hash, log_index, pair, block_number, timestamp,
	amount0_in::text, amount1_in::text, amount0_out::text, amount1_out::text,
	price_token0_quote, price_token1_quote, price_token0, price_token1, volume_fiat, price_resolved,
	trade_type, base_token0, price_impact, maker`

// InsertIgnore adds a trade unless (tx_hash, log_index) exists.
func (s *TradeStore) InsertIgnore(ctx context.Context, t *domain.Trade) (bool, error) {
	if t == nil || t.TxHash == "" || t.Pair == "" {
		return false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			tx_hash, log_index, pair, block_number, timestamp,
			amount0_in, amount1_in, amount0_out, amount1_out,
			price_token0_quote, price_token1_quote, price_token0, price_token1, volume_fiat, price_resolved,
			trade_type, base_token0, price_impact, maker
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7::text::numeric, $8::text::numeric, $9::text::numeric,
			$10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		t.TxHash,
		int32(t.LogIndex),
		t.Pair,
		int64(t.BlockNumber),
		t.Timestamp,
		zeroIfNil(t.Amount0In),
		zeroIfNil(t.Amount1In),
		zeroIfNil(t.Amount0Out),
		zeroIfNil(t.Amount1Out),
		t.Prices.Token0Quote,
		t.Prices.Token1Quote,
		t.Prices.Token0Fiat,
		t.Prices.Token1Fiat,
		t.Prices.VolumeFiat,
		t.Prices.Resolved,
		string(t.Type),
		t.BaseIsToken0,
		t.PriceImpact,
		t.Maker,
	)
	if err != nil {
		if isMissingReferenceError(err) {
			return false, storage.ErrMissingReference
		}
		return false, fmt.Errorf("insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByPairTimeRange returns trades for a pair with timestamp in [start, end).
func (s *TradeStore) GetByPairTimeRange(ctx context.Context, pair string, start, end int64) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE pair = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC, block_number ASC, log_index ASC
	`

	rows, err := s.pool.Query(ctx, query, pair, start, end)
	if err != nil {
		return nil, fmt.Errorf("get trades by time range: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetLatestByPair returns the most recent trade of a pair.
func (s *TradeStore) GetLatestByPair(ctx context.Context, pair string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE pair = $1
		ORDER BY timestamp DESC, block_number DESC, log_index DESC
		LIMIT 1
	`

	rows, err := s.pool.Query(ctx, query, pair)
	if err != nil {
		return nil, fmt.Errorf("get latest trade: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, storage.ErrNotFound
	}
	return trades[0], nil
}

// ListUnresolved returns up to limit unresolved trades after the cursor,
// oldest first. The row comparison uses idx_trades_unresolved.
func (s *TradeStore) ListUnresolved(ctx context.Context, after *storage.TradeCursor, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 1000
	}

	var ts, block, index int64 = math.MinInt64, -1, -1
	if after != nil {
		ts, block, index = after.Timestamp, int64(after.Block), int64(after.LogIndex)
	}

	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE price_resolved = FALSE
		  AND (timestamp, block_number, log_index) > ($1, $2, $3)
		ORDER BY timestamp ASC, block_number ASC, log_index ASC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, ts, block, index, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// ResolvePrices fills the price columns of an unresolved trade exactly once.
func (s *TradeStore) ResolvePrices(ctx context.Context, txHash string, logIndex uint, prices domain.TradePrices) (bool, error) {
	if !prices.Resolved {
		return false, storage.ErrInvalidInput
	}

	query := `
		UPDATE trades
		SET price_token0_quote = $3, price_token1_quote = $4,
		    price_token0 = $5, price_token1 = $6,
		    volume_fiat = $7, price_resolved = TRUE
		WHERE tx_hash = $1 AND log_index = $2 AND price_resolved = FALSE
	`

	tag, err := s.pool.Exec(ctx, query,
		txHash,
		int32(logIndex),
		prices.Token0Quote,
		prices.Token1Quote,
		prices.Token0Fiat,
		prices.Token1Fiat,
		prices.VolumeFiat,
	)
	if err != nil {
		return false, fmt.Errorf("resolve trade prices: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanTrades scans multiple rows into a slice of Trade.
func scanTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade

	for rows.Next() {
		var (
			t            domain.Trade
			logIndex     int32
			block        int64
			a0in, a1in   string
			a0out, a1out string
			tradeType    string
		)
		err := rows.Scan(
			&t.TxHash,
			&logIndex,
			&t.Pair,
			&block,
			&t.Timestamp,
			&a0in,
			&a1in,
			&a0out,
			&a1out,
			&t.Prices.Token0Quote,
			&t.Prices.Token1Quote,
			&t.Prices.Token0Fiat,
			&t.Prices.Token1Fiat,
			&t.Prices.VolumeFiat,
			&t.Prices.Resolved,
			&tradeType,
			&t.BaseIsToken0,
			&t.PriceImpact,
			&t.Maker,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		t.LogIndex = uint(logIndex)
		t.BlockNumber = uint64(block)
		t.Type = domain.TradeType(tradeType)
		if t.Amount0In, err = parseNumeric(&a0in); err != nil {
			return nil, err
		}
		if t.Amount1In, err = parseNumeric(&a1in); err != nil {
			return nil, err
		}
		if t.Amount0Out, err = parseNumeric(&a0out); err != nil {
			return nil, err
		}
		if t.Amount1Out, err = parseNumeric(&a1out); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}

func zeroIfNil(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
