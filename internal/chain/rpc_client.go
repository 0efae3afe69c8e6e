package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"amm-analytics/internal/observability"
	"amm-analytics/internal/retry"
)

// Default configuration values.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second
)

// HTTPClient implements RPCClient using HTTP JSON-RPC 2.0.
type HTTPClient struct {
	endpoint  string
	client    *http.Client
	policy    retry.Policy
	log       *zap.Logger
	requestID atomic.Uint64
}

// Compile-time interface check.
var _ RPCClient = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *HTTPClient) {
		c.policy.MaxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.policy.InitialInterval = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.policy.MaxInterval = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.log = log
	}
}

// NewHTTPClient creates a new JSON-RPC HTTP client.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		policy: retry.Policy{
			InitialInterval: DefaultRetryDelay,
			MaxInterval:     DefaultMaxDelay,
			MaxRetries:      DefaultMaxRetries,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call performs a JSON-RPC call, retrying transient failures with exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	err = retry.Do(ctx, c.policy, IsTransient, func(ctx context.Context) error {
		return c.do(ctx, body, result)
	}, c.log.With(zap.String("method", method)))
	observability.RecordRPCLatency(method, time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %v: %w", err, ErrTransient)
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, ErrTransient)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429): %w", ErrTransient)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("unexpected status %d: %w", resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// BlockNumber returns the current head block.
func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// GetLogs returns logs matching filter in [FromBlock, ToBlock].
func (c *HTTPClient) GetLogs(ctx context.Context, filter LogFilter) ([]types.Log, error) {
	arg := filterArg(filter)
	arg["fromBlock"] = hexutil.EncodeUint64(filter.FromBlock)
	arg["toBlock"] = hexutil.EncodeUint64(filter.ToBlock)

	var result []types.Log
	if err := c.call(ctx, "eth_getLogs", []any{arg}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// BlockTimestamp returns the unix timestamp of block.
func (c *HTTPClient) BlockTimestamp(ctx context.Context, block uint64) (int64, error) {
	var result *blockHeader
	params := []any{hexutil.EncodeUint64(block), false}
	if err := c.call(ctx, "eth_getBlockByNumber", params, &result); err != nil {
		return 0, err
	}
	if result == nil {
		// Load-balanced nodes may lag behind the head they reported
		return 0, fmt.Errorf("block %d not found: %w", block, ErrTransient)
	}
	return int64(result.Timestamp), nil
}

type blockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// Call executes a read-only contract call at the latest block.
func (c *HTTPClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	var result hexutil.Bytes
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// filterArg renders the address and topic parts of a filter.
func filterArg(filter LogFilter) map[string]any {
	arg := map[string]any{}
	if len(filter.Addresses) > 0 {
		arg["address"] = filter.Addresses
	}
	if len(filter.Topics) > 0 {
		arg["topics"] = filter.Topics
	}
	return arg
}
