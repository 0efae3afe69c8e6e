package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"go.uber.org/zap"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// Token returns a copy of a committed token.
func (r *Registry) Token(address string) (*domain.Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokenCache[domain.NormalizeAddress(address)]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Pair returns a copy of a committed pair with its latest reserves.
func (r *Registry) Pair(address string) (*domain.Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairCache[domain.NormalizeAddress(address)]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Tokens returns every committed token ordered by address.
func (r *Registry) Tokens() []*domain.Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Token, 0, len(r.tokenCache))
	for _, t := range r.tokenCache {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Pairs returns every committed pair ordered by address.
func (r *Registry) Pairs() []*domain.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Pair, 0, len(r.pairCache))
	for _, p := range r.pairCache {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PairsForToken returns the pairs containing token ordered by address.
func (r *Registry) PairsForToken(token string) []*domain.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byToken[domain.NormalizeAddress(token)]
	out := make([]*domain.Pair, 0, len(set))
	for addr := range set {
		out = append(out, r.pairCache[addr].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UpdateReserves applies a Sync event to the pair. Syncs older than the last
// applied one are ignored.
func (r *Registry) UpdateReserves(ctx context.Context, pair string, reserve0, reserve1 *big.Int, block uint64) error {
	addr := domain.NormalizeAddress(pair)

	r.mu.Lock()
	p, ok := r.pairCache[addr]
	if ok && block >= p.SyncBlock {
		p.Reserve0 = domain.CloneInt(reserve0)
		p.Reserve1 = domain.CloneInt(reserve1)
		p.SyncBlock = block
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("update reserves %s: %w", addr, storage.ErrNotFound)
	}

	if err := r.pairs.UpdateReserves(ctx, addr, reserve0, reserve1, block); err != nil {
		return fmt.Errorf("update reserves %s: %w", addr, err)
	}
	return nil
}

// RefreshPairSupply re-reads the LP supply after a Mint or Burn.
func (r *Registry) RefreshPairSupply(ctx context.Context, pair string) error {
	addr := domain.NormalizeAddress(pair)
	if _, ok := r.Pair(addr); !ok {
		return fmt.Errorf("refresh supply %s: %w", addr, storage.ErrNotFound)
	}

	var supply *big.Int
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		supply, err = r.reader.PairTotalSupply(ctx, addr)
		return err
	})
	if err != nil {
		return fmt.Errorf("read LP supply %s: %w", addr, err)
	}

	if err := r.pairs.UpdateTotalSupply(ctx, addr, supply); err != nil {
		return fmt.Errorf("update LP supply %s: %w", addr, err)
	}

	r.mu.Lock()
	if p, ok := r.pairCache[addr]; ok {
		p.TotalSupply = domain.CloneInt(supply)
	}
	r.mu.Unlock()
	return nil
}

// RefreshToken re-reads the metadata of a token. Placeholders are upgraded
// once the chain answers; known tokens only get a fresh total supply.
func (r *Registry) RefreshToken(ctx context.Context, address string) (*domain.Token, error) {
	addr := domain.NormalizeAddress(address)
	current, ok := r.Token(addr)
	if !ok {
		return nil, fmt.Errorf("refresh token %s: %w", addr, storage.ErrNotFound)
	}

	fresh, source, err := r.readToken(ctx, addr)
	if err != nil {
		return nil, err
	}
	if source == "placeholder" {
		return current, nil
	}
	if !current.Placeholder {
		// Metadata of a resolved token never changes; supply does.
		fresh.Symbol, fresh.Name, fresh.Decimals = current.Symbol, current.Name, current.Decimals
		if fresh.TotalSupply == nil {
			fresh.TotalSupply = current.TotalSupply
		}
	}

	if err := r.tokens.UpdateMetadata(ctx, fresh); err != nil {
		return nil, fmt.Errorf("update token %s: %w", addr, err)
	}
	r.cacheToken(fresh)
	return fresh.Clone(), nil
}

// RefreshTokens refreshes every committed token, logging per-token failures.
func (r *Registry) RefreshTokens(ctx context.Context) int {
	refreshed := 0
	for _, t := range r.Tokens() {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.RefreshToken(ctx, t.Address); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Warn("token refresh failed", zap.String("token", t.Address), zap.Error(err))
			}
			continue
		}
		refreshed++
	}
	return refreshed
}
