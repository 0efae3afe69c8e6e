package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrEmptyResult is returned when a call returns no data, usually because
// the target is not a contract or does not implement the method.
var ErrEmptyResult = errors.New("empty call result")

// Contracts implements Reader on top of eth_call.
type Contracts struct {
	rpc RPCClient
}

// Compile-time interface check.
var _ Reader = (*Contracts)(nil)

// NewContracts creates a contract reader.
func NewContracts(rpc RPCClient) *Contracts {
	return &Contracts{rpc: rpc}
}

func (c *Contracts) call(ctx context.Context, contract abi.ABI, to string, method string, args ...any) ([]any, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.rpc.Call(ctx, common.HexToAddress(to), input)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", method, to, ErrEmptyResult)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// TokenMetadata reads decimals, symbol, name and totalSupply.
// Decimals is required. Symbol and name fall back to bytes32 encoding
// and then to empty strings.
func (c *Contracts) TokenMetadata(ctx context.Context, token string) (*TokenMetadata, error) {
	values, err := c.call(ctx, ERC20ABI, token, "decimals")
	if err != nil {
		return nil, fmt.Errorf("read decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("decimals: unexpected type %T", values[0])
	}

	md := &TokenMetadata{Decimals: decimals}
	if md.Symbol, err = c.readString(ctx, token, "symbol"); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if md.Name, err = c.readString(ctx, token, "name"); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if md.TotalSupply, err = c.TokenTotalSupply(ctx, token); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return md, nil
}

// readString reads a string getter, accepting the legacy bytes32 form.
func (c *Contracts) readString(ctx context.Context, token, method string) (string, error) {
	input, err := ERC20ABI.Pack(method)
	if err != nil {
		return "", err
	}
	out, err := c.rpc.Call(ctx, common.HexToAddress(token), input)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", ErrEmptyResult
	}
	if values, err := ERC20ABI.Unpack(method, out); err == nil {
		if s, ok := values[0].(string); ok {
			return sanitize(s), nil
		}
	}
	if len(out) == 32 {
		return sanitize(string(bytes.TrimRight(out, "\x00"))), nil
	}
	return "", fmt.Errorf("%s: undecodable result", method)
}

// TokenTotalSupply reads totalSupply.
func (c *Contracts) TokenTotalSupply(ctx context.Context, token string) (*big.Int, error) {
	values, err := c.call(ctx, ERC20ABI, token, "totalSupply")
	if err != nil {
		return nil, err
	}
	return asBig(values[0])
}

// PairTokens reads token0 and token1.
func (c *Contracts) PairTokens(ctx context.Context, pair string) (string, string, error) {
	token0, err := c.readAddress(ctx, PairABI, pair, "token0")
	if err != nil {
		return "", "", err
	}
	token1, err := c.readAddress(ctx, PairABI, pair, "token1")
	if err != nil {
		return "", "", err
	}
	return token0, token1, nil
}

// PairFactory reads the factory that deployed pair.
func (c *Contracts) PairFactory(ctx context.Context, pair string) (string, error) {
	return c.readAddress(ctx, PairABI, pair, "factory")
}

// PairReserves reads getReserves.
func (c *Contracts) PairReserves(ctx context.Context, pair string) (*big.Int, *big.Int, error) {
	values, err := c.call(ctx, PairABI, pair, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("getReserves: %d outputs", len(values))
	}
	r0, err := asBig(values[0])
	if err != nil {
		return nil, nil, err
	}
	r1, err := asBig(values[1])
	if err != nil {
		return nil, nil, err
	}
	return r0, r1, nil
}

// PairTotalSupply reads the LP token supply.
func (c *Contracts) PairTotalSupply(ctx context.Context, pair string) (*big.Int, error) {
	values, err := c.call(ctx, PairABI, pair, "totalSupply")
	if err != nil {
		return nil, err
	}
	return asBig(values[0])
}

// FactoryPairCount reads allPairsLength.
func (c *Contracts) FactoryPairCount(ctx context.Context, factory string) (uint64, error) {
	values, err := c.call(ctx, FactoryABI, factory, "allPairsLength")
	if err != nil {
		return 0, err
	}
	n, err := asBig(values[0])
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// FactoryPairAt reads allPairs(index).
func (c *Contracts) FactoryPairAt(ctx context.Context, factory string, index uint64) (string, error) {
	return c.readAddress(ctx, FactoryABI, factory, "allPairs", new(big.Int).SetUint64(index))
}

func (c *Contracts) readAddress(ctx context.Context, contract abi.ABI, to, method string, args ...any) (string, error) {
	values, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return "", err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return AddressHex(addr), nil
}

// AddressHex renders an address in the lower-case form used as storage key.
func AddressHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func asBig(v any) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected numeric type %T", v)
	}
	return n, nil
}

// sanitize drops control characters some tokens embed in their metadata.
func sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s))
}
