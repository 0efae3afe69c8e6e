// Package chain talks to an EVM node: JSON-RPC over HTTP for reads and
// log backfill, eth_subscribe over WebSocket for live logs, and typed
// contract calls for ERC-20 tokens, pairs and the factory.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrTransient marks failures worth retrying: transport errors, 429 and 5xx.
var ErrTransient = errors.New("transient chain error")

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RPCError is a JSON-RPC error object returned by the node. Never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// LogFilter selects logs for eth_getLogs and eth_subscribe.
type LogFilter struct {
	FromBlock uint64 // ignored by subscriptions
	ToBlock   uint64 // ignored by subscriptions
	Addresses []common.Address
	Topics    [][]common.Hash // positional, each position an OR-set
}

// RPCClient defines the node HTTP interface.
type RPCClient interface {
	// BlockNumber returns the current head block.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching filter in [FromBlock, ToBlock].
	GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error)

	// BlockTimestamp returns the unix timestamp of block.
	BlockTimestamp(ctx context.Context, block uint64) (int64, error)

	// Call executes a read-only contract call at the latest block.
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// WSClient defines the node log subscription interface.
type WSClient interface {
	// SubscribeLogs streams logs matching filter. The channel survives reconnects;
	// it is closed by Close or when it cannot be restored after a reconnect.
	SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error)

	// Reconnected receives a value after each reconnect, ahead of any log of
	// the restored subscriptions. Logs emitted while disconnected are not
	// redelivered.
	Reconnected() <-chan struct{}

	// Close closes the WebSocket connection.
	Close() error
}

// TokenMetadata is the ERC-20 metadata read from chain.
type TokenMetadata struct {
	Symbol      string
	Name        string
	Decimals    uint8
	TotalSupply *big.Int
}

// Reader performs typed contract reads.
type Reader interface {
	// TokenMetadata reads decimals (required), symbol, name and totalSupply.
	TokenMetadata(ctx context.Context, token string) (*TokenMetadata, error)

	// TokenTotalSupply reads totalSupply.
	TokenTotalSupply(ctx context.Context, token string) (*big.Int, error)

	// PairTokens reads token0 and token1.
	PairTokens(ctx context.Context, pair string) (token0, token1 string, err error)

	// PairFactory reads the factory that deployed pair.
	PairFactory(ctx context.Context, pair string) (string, error)

	// PairReserves reads getReserves.
	PairReserves(ctx context.Context, pair string) (reserve0, reserve1 *big.Int, err error)

	// PairTotalSupply reads the LP token supply.
	PairTotalSupply(ctx context.Context, pair string) (*big.Int, error)

	// FactoryPairCount reads allPairsLength.
	FactoryPairCount(ctx context.Context, factory string) (uint64, error)

	// FactoryPairAt reads allPairs(index).
	FactoryPairAt(ctx context.Context, factory string, index uint64) (string, error)
}
