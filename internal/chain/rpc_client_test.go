package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func rpcServer(t *testing.T, handle func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handle(req),
		})
	}))
}

func fastClient(url string) *HTTPClient {
	return NewHTTPClient(url, WithRetryDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
}

func TestHTTPClient_BlockNumber(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "eth_blockNumber" {
			t.Errorf("expected method eth_blockNumber, got %s", req.Method)
		}
		return "0x1b4"
	})
	defer server.Close()

	n, err := fastClient(server.URL).BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 436 {
		t.Errorf("expected 436, got %d", n)
	}
}

func TestHTTPClient_GetLogs(t *testing.T) {
	pair := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	server := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "eth_getLogs" {
			t.Errorf("expected method eth_getLogs, got %s", req.Method)
		}
		arg, _ := req.Params[0].(map[string]any)
		if arg["fromBlock"] != "0x64" || arg["toBlock"] != "0xc8" {
			t.Errorf("unexpected range %v-%v", arg["fromBlock"], arg["toBlock"])
		}
		return []map[string]any{{
			"address":          pair.Hex(),
			"topics":           []string{TopicSync.Hex()},
			"data":             "0x",
			"blockNumber":      "0x65",
			"transactionHash":  common.HexToHash("0x11").Hex(),
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0x22").Hex(),
			"logIndex":         "0x3",
			"removed":          false,
		}}
	})
	defer server.Close()

	logs, err := fastClient(server.URL).GetLogs(context.Background(), LogFilter{
		FromBlock: 100,
		ToBlock:   200,
		Topics:    [][]common.Hash{{TopicSync}},
	})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].BlockNumber != 101 || logs[0].Index != 3 || logs[0].Address != pair {
		t.Errorf("unexpected log %+v", logs[0])
	}
}

func TestHTTPClient_BlockTimestamp(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) any {
		return map[string]any{"number": "0xa", "timestamp": "0x6553f100"}
	})
	defer server.Close()

	ts, err := fastClient(server.URL).BlockTimestamp(context.Background(), 10)
	if err != nil {
		t.Fatalf("BlockTimestamp: %v", err)
	}
	if ts != 1700000000 {
		t.Errorf("expected 1700000000, got %d", ts)
	}
}

func TestHTTPClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x1"})
	}))
	defer server.Close()

	n, err := fastClient(server.URL).BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "execution reverted"},
		})
	}))
	defer server.Close()

	_, err := fastClient(server.URL).Call(context.Background(), common.Address{}, []byte{0x01})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("expected code -32000, got %d", rpcErr.Code)
	}
	if IsTransient(err) {
		t.Error("RPC errors must not be transient")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestHTTPClient_GivesUpOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond), WithMaxRetries(2))
	_, err := client.BlockNumber(context.Background())
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}
