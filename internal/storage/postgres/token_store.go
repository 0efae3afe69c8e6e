package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

const tokenColumns = `address, symbol, name, decimals, total_supply::text, is_quote_asset, placeholder`

// Insert adds a new token. Returns ErrDuplicateKey if address exists.
func (s *TokenStore) Insert(ctx context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tokens (address, symbol, name, decimals, total_supply, is_quote_asset, placeholder)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		t.Address,
		t.Symbol,
		t.Name,
		int16(t.Decimals),
		numericText(t.TotalSupply),
		t.IsQuoteAsset,
		t.Placeholder,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// Get retrieves a token by address. Returns ErrNotFound if not exists.
func (s *TokenStore) Get(ctx context.Context, address string) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE address = $1`

	rows, err := s.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	defer rows.Close()

	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, storage.ErrNotFound
	}
	return tokens[0], nil
}

// List returns all tokens ordered by address.
func (s *TokenStore) List(ctx context.Context) ([]*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens ORDER BY address ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// UpdateMetadata refreshes symbol, name, decimals, supply and placeholder flag.
func (s *TokenStore) UpdateMetadata(ctx context.Context, t *domain.Token) error {
	if t == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE tokens
		SET symbol = $2, name = $3, decimals = $4, total_supply = $5::text::numeric,
		    placeholder = $6, updated_at = NOW()
		WHERE address = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		t.Address,
		t.Symbol,
		t.Name,
		int16(t.Decimals),
		numericText(t.TotalSupply),
		t.Placeholder,
	)
	if err != nil {
		return fmt.Errorf("update token metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanTokens scans multiple rows into a slice of Token.
func scanTokens(rows pgx.Rows) ([]*domain.Token, error) {
	var tokens []*domain.Token

	for rows.Next() {
		var (
			t        domain.Token
			decimals int16
			supply   *string
		)
		err := rows.Scan(
			&t.Address,
			&t.Symbol,
			&t.Name,
			&decimals,
			&supply,
			&t.IsQuoteAsset,
			&t.Placeholder,
		)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		t.Decimals = uint8(decimals)
		if t.TotalSupply, err = parseNumeric(supply); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}

	return tokens, nil
}
