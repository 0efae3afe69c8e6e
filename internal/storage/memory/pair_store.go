package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// PairStore is an in-memory implementation of storage.PairStore.
// Token references are checked against the given TokenStore, mirroring
// the foreign keys of the SQL schema.
type PairStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Pair
	tokens storage.TokenStore
}

// NewPairStore creates a new in-memory pair store.
// tokens may be nil to skip reference checks.
func NewPairStore(tokens storage.TokenStore) *PairStore {
	return &PairStore{
		data:   make(map[string]*domain.Pair),
		tokens: tokens,
	}
}

// Compile-time interface check.
var _ storage.PairStore = (*PairStore)(nil)

// Insert adds a new pair.
func (s *PairStore) Insert(ctx context.Context, p *domain.Pair) error {
	if p == nil || p.Address == "" || p.Token0 == "" || p.Token1 == "" {
		return storage.ErrInvalidInput
	}

	if s.tokens != nil {
		for _, addr := range []string{p.Token0, p.Token1} {
			if _, err := s.tokens.Get(ctx, addr); err != nil {
				return storage.ErrMissingReference
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.Address]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[p.Address] = p.Clone()
	return nil
}

// Get retrieves a pair by address.
func (s *PairStore) Get(_ context.Context, address string) (*domain.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// List returns all pairs ordered by address.
func (s *PairStore) List(_ context.Context) ([]*domain.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Pair, 0, len(s.data))
	for _, p := range s.data {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

// UpdateReserves stores reserves unless block is older than the last sync.
func (s *PairStore) UpdateReserves(_ context.Context, address string, reserve0, reserve1 *big.Int, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[address]
	if !ok {
		return storage.ErrNotFound
	}
	if block < cur.SyncBlock {
		return nil
	}
	next := cur.Clone()
	next.Reserve0 = domain.CloneInt(reserve0)
	next.Reserve1 = domain.CloneInt(reserve1)
	next.SyncBlock = block
	s.data[address] = next
	return nil
}

// UpdateTotalSupply stores the LP supply.
func (s *PairStore) UpdateTotalSupply(_ context.Context, address string, supply *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[address]
	if !ok {
		return storage.ErrNotFound
	}
	next := cur.Clone()
	next.TotalSupply = domain.CloneInt(supply)
	s.data[address] = next
	return nil
}
