// Package stub provides in-memory chain clients for tests.
package stub

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"amm-analytics/internal/chain"
)

// ErrNotFound is returned when a stubbed value is missing.
var ErrNotFound = errors.New("not found")

// RPCClient implements chain.RPCClient over a fixed log set.
type RPCClient struct {
	mu         sync.Mutex
	Head       uint64
	Logs       []types.Log
	Timestamps map[uint64]int64
	// FailTimestamps makes BlockTimestamp fail for the listed blocks.
	FailTimestamps map[uint64]error
	GetLogsCalls   int
	getLogsErr     error
}

// Compile-time interface check.
var _ chain.RPCClient = (*RPCClient)(nil)

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Timestamps:     make(map[uint64]int64),
		FailTimestamps: make(map[uint64]error),
	}
}

// AddLog appends a log and advances Head to its block.
func (c *RPCClient) AddLog(lg types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logs = append(c.Logs, lg)
	if lg.BlockNumber > c.Head {
		c.Head = lg.BlockNumber
	}
}

// BlockNumber returns Head.
func (c *RPCClient) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Head, nil
}

// GetLogs filters Logs by block range, address and topic0.
func (c *RPCClient) GetLogs(_ context.Context, filter chain.LogFilter) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetLogsCalls++
	if c.getLogsErr != nil {
		return nil, c.getLogsErr
	}

	var out []types.Log
	for _, lg := range c.Logs {
		if lg.BlockNumber < filter.FromBlock || lg.BlockNumber > filter.ToBlock {
			continue
		}
		if !Matches(filter, lg) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

// SetGetLogsErr makes GetLogs fail with err until reset with nil.
func (c *RPCClient) SetGetLogsErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getLogsErr = err
}

// BlockTimestamp returns the stubbed timestamp, or block*12 when unset.
func (c *RPCClient) BlockTimestamp(_ context.Context, block uint64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.FailTimestamps[block]; ok {
		return 0, err
	}
	if ts, ok := c.Timestamps[block]; ok {
		return ts, nil
	}
	return int64(block) * 12, nil
}

// Call is not supported by the stub; use Reader for contract reads.
func (c *RPCClient) Call(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, ErrNotFound
}

// Matches reports whether lg passes the address and topic filters.
func Matches(filter chain.LogFilter, lg types.Log) bool {
	if len(filter.Addresses) > 0 && !slices.Contains(filter.Addresses, lg.Address) {
		return false
	}
	for i, set := range filter.Topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(lg.Topics) || !slices.Contains(set, lg.Topics[i]) {
			return false
		}
	}
	return true
}

// WSClient implements chain.WSClient with channels fed by Push.
type WSClient struct {
	mu          sync.Mutex
	subs        []wsSub
	closed      bool
	reconnected chan struct{}
}

type wsSub struct {
	filter chain.LogFilter
	ch     chan types.Log
}

// Compile-time interface check.
var _ chain.WSClient = (*WSClient)(nil)

// NewWSClient creates a new stub subscription client.
func NewWSClient() *WSClient {
	return &WSClient{reconnected: make(chan struct{}, 1)}
}

// Reconnected returns the channel fed by Reconnect.
func (c *WSClient) Reconnected() <-chan struct{} {
	return c.reconnected
}

// Reconnect simulates a restored connection. Logs not pushed in the
// meantime are lost, as with a real node.
func (c *WSClient) Reconnect() {
	select {
	case c.reconnected <- struct{}{}:
	default:
	}
}

// SubscribeLogs registers a subscription.
func (c *WSClient) SubscribeLogs(_ context.Context, filter chain.LogFilter) (<-chan types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	ch := make(chan types.Log, 1024)
	c.subs = append(c.subs, wsSub{filter: filter, ch: ch})
	return ch, nil
}

// Push delivers lg to every matching subscription.
func (c *WSClient) Push(lg types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if Matches(s.filter, lg) {
			s.ch <- lg
		}
	}
}

// Subscriptions returns the number of active subscriptions.
func (c *WSClient) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close closes all subscription channels.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.subs {
		close(s.ch)
	}
	return nil
}

// PairInfo is the stubbed on-chain state of a pair.
type PairInfo struct {
	Token0, Token1     string
	Factory            string
	Reserve0, Reserve1 *big.Int
	TotalSupply        *big.Int
}

// Reader implements chain.Reader from maps. Missing entries return ErrNotFound.
type Reader struct {
	mu           sync.Mutex
	Tokens       map[string]*chain.TokenMetadata
	Pairs        map[string]*PairInfo
	FactoryPairs map[string][]string
	// Err, when set, is returned by every call.
	Err   error
	Calls map[string]int
	gate  chan struct{}
}

// Compile-time interface check.
var _ chain.Reader = (*Reader)(nil)

// NewReader creates a new stub reader.
func NewReader() *Reader {
	return &Reader{
		Tokens:       make(map[string]*chain.TokenMetadata),
		Pairs:        make(map[string]*PairInfo),
		FactoryPairs: make(map[string][]string),
		Calls:        make(map[string]int),
	}
}

func (r *Reader) enter(method string) error {
	r.mu.Lock()
	r.Calls[method]++
	gate, err := r.gate, r.Err
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

// SetGate makes every call block until gate is closed.
func (r *Reader) SetGate(gate chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

// CallCount returns how many times method was called.
func (r *Reader) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Calls[method]
}

// SetErr sets the error returned by every call.
func (r *Reader) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

func (r *Reader) pair(addr string) (*PairInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Pairs[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// TokenMetadata returns the stubbed metadata.
func (r *Reader) TokenMetadata(_ context.Context, token string) (*chain.TokenMetadata, error) {
	if err := r.enter("TokenMetadata"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.Tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *md
	return &cp, nil
}

// TokenTotalSupply returns the stubbed supply.
func (r *Reader) TokenTotalSupply(_ context.Context, token string) (*big.Int, error) {
	if err := r.enter("TokenTotalSupply"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.Tokens[token]
	if !ok || md.TotalSupply == nil {
		return nil, ErrNotFound
	}
	return new(big.Int).Set(md.TotalSupply), nil
}

// PairTokens returns the stubbed tokens.
func (r *Reader) PairTokens(_ context.Context, pair string) (string, string, error) {
	if err := r.enter("PairTokens"); err != nil {
		return "", "", err
	}
	p, err := r.pair(pair)
	if err != nil {
		return "", "", err
	}
	return p.Token0, p.Token1, nil
}

// PairFactory returns the stubbed factory.
func (r *Reader) PairFactory(_ context.Context, pair string) (string, error) {
	if err := r.enter("PairFactory"); err != nil {
		return "", err
	}
	p, err := r.pair(pair)
	if err != nil {
		return "", err
	}
	return p.Factory, nil
}

// PairReserves returns the stubbed reserves.
func (r *Reader) PairReserves(_ context.Context, pair string) (*big.Int, *big.Int, error) {
	if err := r.enter("PairReserves"); err != nil {
		return nil, nil, err
	}
	p, err := r.pair(pair)
	if err != nil {
		return nil, nil, err
	}
	if p.Reserve0 == nil || p.Reserve1 == nil {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return new(big.Int).Set(p.Reserve0), new(big.Int).Set(p.Reserve1), nil
}

// PairTotalSupply returns the stubbed LP supply.
func (r *Reader) PairTotalSupply(_ context.Context, pair string) (*big.Int, error) {
	if err := r.enter("PairTotalSupply"); err != nil {
		return nil, err
	}
	p, err := r.pair(pair)
	if err != nil {
		return nil, err
	}
	if p.TotalSupply == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(p.TotalSupply), nil
}

// FactoryPairCount returns the number of stubbed factory pairs.
func (r *Reader) FactoryPairCount(_ context.Context, factory string) (uint64, error) {
	if err := r.enter("FactoryPairCount"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.FactoryPairs[factory])), nil
}

// FactoryPairAt returns the stubbed pair at index.
func (r *Reader) FactoryPairAt(_ context.Context, factory string, index uint64) (string, error) {
	if err := r.enter("FactoryPairAt"); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pairs := r.FactoryPairs[factory]
	if index >= uint64(len(pairs)) {
		return "", ErrNotFound
	}
	return pairs[index], nil
}
