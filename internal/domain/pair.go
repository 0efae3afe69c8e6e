package domain

import "math/big"

// Pair represents a constant-product liquidity pool.
// Corresponds to pairs table in PostgreSQL.
// Token0 and Token1 must be committed Tokens before the Pair is stored.
type Pair struct {
	Address      string   // lower-case pair contract address
	Token0       string   // canonical first token (lower address)
	Token1       string   // canonical second token
	Reserve0     *big.Int // raw reserve of token0
	Reserve1     *big.Int // raw reserve of token1
	TotalSupply  *big.Int // raw LP token supply
	CreatedBlock uint64   // block the pair was first seen in
	SyncBlock    uint64   // block of the last applied reserve update
}

// Clone returns a deep copy of the pair.
func (p *Pair) Clone() *Pair {
	if p == nil {
		return nil
	}
	c := *p
	c.Reserve0 = CloneInt(p.Reserve0)
	c.Reserve1 = CloneInt(p.Reserve1)
	c.TotalSupply = CloneInt(p.TotalSupply)
	return &c
}

// Other returns the counterpart of token in the pair and whether token belongs to it.
func (p *Pair) Other(token string) (string, bool) {
	switch token {
	case p.Token0:
		return p.Token1, true
	case p.Token1:
		return p.Token0, true
	}
	return "", false
}

// ReserveOf returns the raw reserve held for token, or nil if token is not in the pair.
func (p *Pair) ReserveOf(token string) *big.Int {
	switch token {
	case p.Token0:
		return p.Reserve0
	case p.Token1:
		return p.Reserve1
	}
	return nil
}

// HasLiquidity reports whether both reserves are positive.
func (p *Pair) HasLiquidity() bool {
	return p.Reserve0 != nil && p.Reserve1 != nil && p.Reserve0.Sign() > 0 && p.Reserve1.Sign() > 0
}
