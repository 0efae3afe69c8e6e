package clickhouse

import (
	"context"
	"fmt"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TokenMetricStore implements storage.TokenMetricStore using ClickHouse.
type TokenMetricStore struct {
	conn *Conn
}

// NewTokenMetricStore creates a new TokenMetricStore.
func NewTokenMetricStore(conn *Conn) *TokenMetricStore {
	return &TokenMetricStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TokenMetricStore = (*TokenMetricStore)(nil)

const tokenMetricColumns = `
	token, timestamp, price_fiat, price_quote, market_cap,
	price_change_5m, price_change_1h, price_change_6h,
	price_change_24h, price_change_7d, price_change_30d,
	volume_24h, liquidity, buy_pressure, buys_24h, sells_24h`

// Insert appends a snapshot. Fails on duplicate (token, timestamp).
func (s *TokenMetricStore) Insert(ctx context.Context, m *domain.TokenMetricSnapshot) error {
	if m == nil || m.Token == "" {
		return storage.ErrInvalidInput
	}

	// MergeTree does not enforce uniqueness
	exists, err := s.exists(ctx, m.Token, m.Timestamp)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO token_metrics (`+tokenMetricColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		m.Token, m.Timestamp, m.PriceFiat, m.PriceQuote, m.MarketCap,
		m.PriceChange5m, m.PriceChange1h, m.PriceChange6h,
		m.PriceChange24h, m.PriceChange7d, m.PriceChange30d,
		m.Volume24h, m.Liquidity, m.BuyPressure, m.Buys24h, m.Sells24h,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatest returns the newest snapshot for token.
func (s *TokenMetricStore) GetLatest(ctx context.Context, token string) (*domain.TokenMetricSnapshot, error) {
	query := `SELECT ` + tokenMetricColumns + `
		FROM token_metrics FINAL
		WHERE token = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return s.queryOne(ctx, query, token)
}

// GetLatestAtOrBefore returns the newest snapshot with timestamp <= ts.
func (s *TokenMetricStore) GetLatestAtOrBefore(ctx context.Context, token string, ts int64) (*domain.TokenMetricSnapshot, error) {
	query := `SELECT ` + tokenMetricColumns + `
		FROM token_metrics FINAL
		WHERE token = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return s.queryOne(ctx, query, token, ts)
}

func (s *TokenMetricStore) queryOne(ctx context.Context, query string, args ...any) (*domain.TokenMetricSnapshot, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query token metrics: %w", err)
	}
	defer rows.Close()

	snapshots, err := scanTokenMetrics(rows)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, storage.ErrNotFound
	}
	return snapshots[0], nil
}

func (s *TokenMetricStore) exists(ctx context.Context, token string, ts int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count(*) FROM token_metrics
		WHERE token = ? AND timestamp = ?
	`, token, ts).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanTokenMetrics scans multiple rows.
func scanTokenMetrics(rows chRows) ([]*domain.TokenMetricSnapshot, error) {
	var snapshots []*domain.TokenMetricSnapshot

	for rows.Next() {
		var m domain.TokenMetricSnapshot
		err := rows.Scan(
			&m.Token, &m.Timestamp, &m.PriceFiat, &m.PriceQuote, &m.MarketCap,
			&m.PriceChange5m, &m.PriceChange1h, &m.PriceChange6h,
			&m.PriceChange24h, &m.PriceChange7d, &m.PriceChange30d,
			&m.Volume24h, &m.Liquidity, &m.BuyPressure, &m.Buys24h, &m.Sells24h,
		)
		if err != nil {
			return nil, fmt.Errorf("scan token metric row: %w", err)
		}
		snapshots = append(snapshots, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token metric rows: %w", err)
	}

	return snapshots, nil
}
