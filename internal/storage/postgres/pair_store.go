package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// PairStore implements storage.PairStore using PostgreSQL.
type PairStore struct {
	pool *Pool
}

// NewPairStore creates a new PairStore.
func NewPairStore(pool *Pool) *PairStore {
	return &PairStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PairStore = (*PairStore)(nil)

const pairColumns = `address, token0, token1, reserve0::text, reserve1::text, total_supply::text, created_block, sync_block`

// Insert adds a new pair. The foreign keys on token0/token1 reject dangling references.
func (s *PairStore) Insert(ctx context.Context, p *domain.Pair) error {
	if p == nil || p.Address == "" || p.Token0 == "" || p.Token1 == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pairs (address, token0, token1, reserve0, reserve1, total_supply, created_block, sync_block)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		p.Address,
		p.Token0,
		p.Token1,
		numericText(p.Reserve0),
		numericText(p.Reserve1),
		numericText(p.TotalSupply),
		int64(p.CreatedBlock),
		int64(p.SyncBlock),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isMissingReferenceError(err) {
			return storage.ErrMissingReference
		}
		return fmt.Errorf("insert pair: %w", err)
	}
	return nil
}

// Get retrieves a pair by address. Returns ErrNotFound if not exists.
func (s *PairStore) Get(ctx context.Context, address string) (*domain.Pair, error) {
	query := `SELECT ` + pairColumns + ` FROM pairs WHERE address = $1`

	rows, err := s.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("get pair: %w", err)
	}
	defer rows.Close()

	pairs, err := scanPairs(rows)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, storage.ErrNotFound
	}
	return pairs[0], nil
}

// List returns all pairs ordered by address.
func (s *PairStore) List(ctx context.Context) ([]*domain.Pair, error) {
	query := `SELECT ` + pairColumns + ` FROM pairs ORDER BY address ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	return scanPairs(rows)
}

// UpdateReserves stores reserves unless block is older than the last sync.
func (s *PairStore) UpdateReserves(ctx context.Context, address string, reserve0, reserve1 *big.Int, block uint64) error {
	query := `
		UPDATE pairs
		SET reserve0 = CASE WHEN sync_block <= $4 THEN $2::text::numeric ELSE reserve0 END,
		    reserve1 = CASE WHEN sync_block <= $4 THEN $3::text::numeric ELSE reserve1 END,
		    sync_block = GREATEST(sync_block, $4)
		WHERE address = $1
	`

	tag, err := s.pool.Exec(ctx, query, address, numericText(reserve0), numericText(reserve1), int64(block))
	if err != nil {
		return fmt.Errorf("update pair reserves: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateTotalSupply stores the LP supply.
func (s *PairStore) UpdateTotalSupply(ctx context.Context, address string, supply *big.Int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pairs SET total_supply = $2::text::numeric WHERE address = $1
	`, address, numericText(supply))
	if err != nil {
		return fmt.Errorf("update pair supply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanPairs scans multiple rows into a slice of Pair.
func scanPairs(rows pgx.Rows) ([]*domain.Pair, error) {
	var pairs []*domain.Pair

	for rows.Next() {
		var (
			p                  domain.Pair
			r0, r1, supply     *string
			created, syncBlock int64
		)
		err := rows.Scan(
			&p.Address,
			&p.Token0,
			&p.Token1,
			&r0,
			&r1,
			&supply,
			&created,
			&syncBlock,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pair row: %w", err)
		}
		p.CreatedBlock = uint64(created)
		p.SyncBlock = uint64(syncBlock)
		if p.Reserve0, err = parseNumeric(r0); err != nil {
			return nil, err
		}
		if p.Reserve1, err = parseNumeric(r1); err != nil {
			return nil, err
		}
		if p.TotalSupply, err = parseNumeric(supply); err != nil {
			return nil, err
		}
		pairs = append(pairs, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pair rows: %w", err)
	}

	return pairs, nil
}
