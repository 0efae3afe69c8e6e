package memory

import (
	"context"
	"sort"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Token
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		data: make(map[string]*domain.Token),
	}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

// Insert adds a new token. Returns ErrDuplicateKey if address exists.
func (s *TokenStore) Insert(_ context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.Address]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[t.Address] = t.Clone()
	return nil
}

// Get retrieves a token by address.
func (s *TokenStore) Get(_ context.Context, address string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// List returns all tokens ordered by address.
func (s *TokenStore) List(_ context.Context) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Token, 0, len(s.data))
	for _, t := range s.data {
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

// UpdateMetadata refreshes the mutable token columns.
func (s *TokenStore) UpdateMetadata(_ context.Context, t *domain.Token) error {
	if t == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.data[t.Address]
	if !ok {
		return storage.ErrNotFound
	}
	next := cur.Clone()
	next.Symbol = t.Symbol
	next.Name = t.Name
	next.Decimals = t.Decimals
	next.TotalSupply = domain.CloneInt(t.TotalSupply)
	next.Placeholder = t.Placeholder
	s.data[t.Address] = next
	return nil
}
