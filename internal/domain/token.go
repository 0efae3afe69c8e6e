package domain

import (
	"math/big"
	"strings"
)

// Token represents an ERC-20 token referenced by at least one pair.
// Corresponds to tokens table in PostgreSQL.
type Token struct {
	Address      string   // lower-case 0x-prefixed hex, primary key
	Symbol       string   // on-chain symbol or synthetic placeholder
	Name         string   // on-chain name
	Decimals     uint8    // ERC-20 decimals
	TotalSupply  *big.Int // raw total supply, nil if unknown
	IsQuoteAsset bool     // fixed-fiat-price routing anchor
	Placeholder  bool     // metadata could not be read from chain
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.TotalSupply = CloneInt(t.TotalSupply)
	return &c
}

// PlaceholderSymbol returns the synthetic symbol used when token metadata is unreadable.
func PlaceholderSymbol(address string) string {
	addr := strings.TrimPrefix(NormalizeAddress(address), "0x")
	if len(addr) > 6 {
		addr = addr[:6]
	}
	return "TKN-" + strings.ToUpper(addr)
}

// NormalizeAddress returns the canonical lower-case form of a hex address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CloneInt copies a big integer, preserving nil.
func CloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
