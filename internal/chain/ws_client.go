package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscription id.
	SubscribeTimeout time.Duration
	// BufferSize is the per-subscription channel capacity.
	BufferSize int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		BufferSize:        10000,
	}
}

// WSClientImpl implements WSClient using gorilla/websocket.
type WSClientImpl struct {
	endpoint string
	config   WSClientConfig
	log      *zap.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	// subs maps subscription ID to its subscriber
	subs   map[string]*logSub
	subsMu sync.RWMutex

	// activeFilters stores filters for resubscription after reconnect
	activeFilters   map[string]LogFilter
	activeFiltersMu sync.RWMutex

	// pendingSubs maps request ID to a subscription waiting for its ID
	pendingSubs   map[uint64]*pendingSub
	pendingSubsMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
	reconnected  chan struct{}
}

// Compile-time interface check.
var _ WSClient = (*WSClientImpl)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig, log *zap.Logger) (*WSClientImpl, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &WSClientImpl{
		endpoint:      endpoint,
		config:        cfg,
		log:           log.Named("ws"),
		subs:          make(map[string]*logSub),
		activeFilters: make(map[string]LogFilter),
		pendingSubs:   make(map[uint64]*pendingSub),
		done:          make(chan struct{}),
		reconnected:   make(chan struct{}, 1),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// connect establishes WebSocket connection.
func (c *WSClientImpl) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// pendingSub is an eth_subscribe request awaiting confirmation. The read
// loop registers target under the new ID before signalling confirm, so no
// notification that follows the confirmation is missed.
type pendingSub struct {
	target  *logSub
	confirm chan string
}

// logSub is the consumer side of one subscription. The read loop sends
// under mu's read lock; close unblocks a pending send through quit before
// closing ch, so ch is never written after it is closed.
type logSub struct {
	ch     chan types.Log
	quit   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newLogSub(size int) *logSub {
	return &logSub{ch: make(chan types.Log, size), quit: make(chan struct{})}
}

func (s *logSub) send(lg types.Log, done <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- lg:
	case <-s.quit:
	case <-done:
	}
}

func (s *logSub) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// SubscribeLogs subscribes to logs matching the filter.
func (c *WSClientImpl) SubscribeLogs(ctx context.Context, filter LogFilter) (<-chan types.Log, error) {
	// Blocking send in handleNotification never drops logs; the buffer absorbs bursts
	sub := newLogSub(c.config.BufferSize)

	subID, err := c.subscribe(ctx, filter, sub)
	if err != nil {
		return nil, err
	}

	c.activeFiltersMu.Lock()
	c.activeFilters[subID] = filter
	c.activeFiltersMu.Unlock()

	return sub.ch, nil
}

// Reconnected signals every restored connection, before its subscriptions
// are restored. Logs published while the connection was down are not
// replayed by the node; consumers backfill them.
func (c *WSClientImpl) Reconnected() <-chan struct{} {
	return c.reconnected
}

// subscribe sends eth_subscribe and waits for the subscription id.
func (c *WSClientImpl) subscribe(ctx context.Context, filter LogFilter, target *logSub) (string, error) {
	if c.closed.Load() {
		return "", fmt.Errorf("client closed")
	}

	reqID := c.requestID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "eth_subscribe",
		Params:  []any{"logs", filterArg(filter)},
	}

	pending := &pendingSub{target: target, confirm: make(chan string, 1)}
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = pending
	c.pendingSubsMu.Unlock()

	dropPending := func() {
		c.pendingSubsMu.Lock()
		delete(c.pendingSubs, reqID)
		c.pendingSubsMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		dropPending()
		return "", fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		dropPending()
		return "", fmt.Errorf("write subscribe: %w", err)
	}

	select {
	case subID, ok := <-pending.confirm:
		if !ok {
			return "", fmt.Errorf("client closed")
		}
		return subID, nil
	case <-time.After(c.config.SubscribeTimeout):
		dropPending()
		return "", fmt.Errorf("subscription timeout after %s", c.config.SubscribeTimeout)
	case <-c.done:
		return "", fmt.Errorf("client closed")
	case <-ctx.Done():
		dropPending()
		return "", ctx.Err()
	}
}

// Close closes the WebSocket connection.
func (c *WSClientImpl) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.subsMu.Lock()
	for id, sub := range c.subs {
		sub.close()
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	c.pendingSubsMu.Lock()
	for id, p := range c.pendingSubs {
		close(p.confirm)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	return nil
}

// readLoop reads messages from WebSocket and dispatches to subscribers.
func (c *WSClientImpl) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				c.log.Warn("websocket read failed, reconnecting", zap.Error(err), zap.Duration("delay", reconnectDelay))
				go c.reconnect(conn, reconnectDelay)
			}

			reconnectDelay *= 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay
		c.handleMessage(message)
	}
}

// reconnect replaces a failed connection, retrying with a growing delay
// until it succeeds or the client is closed, then resubscribes.
func (c *WSClientImpl) reconnect(failed *websocket.Conn, delay time.Duration) {
	defer c.reconnecting.Store(false)

	c.connMu.Lock()
	if c.conn == failed && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			break
		}
		c.log.Warn("websocket reconnect failed", zap.Error(err), zap.Duration("delay", delay))
		delay = min(delay*2, c.config.MaxReconnectDelay)
	}

	// Signal before resubscribing so the signal precedes every log of the
	// restored subscriptions.
	select {
	case c.reconnected <- struct{}{}:
	default:
	}
	c.resubscribeAll()
}

// resubscribeAll resubscribes to all active filters after reconnect. A
// subscription that cannot be restored is closed so its consumer notices.
func (c *WSClientImpl) resubscribeAll() {
	c.activeFiltersMu.RLock()
	filters := make(map[string]LogFilter, len(c.activeFilters))
	for id, f := range c.activeFilters {
		filters[id] = f
	}
	c.activeFiltersMu.RUnlock()

	for oldSubID, filter := range filters {
		c.subsMu.RLock()
		sub := c.subs[oldSubID]
		c.subsMu.RUnlock()
		if sub == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.SubscribeTimeout)
		newSubID, err := c.subscribe(ctx, filter, sub)
		cancel()

		if err != nil {
			c.log.Error("resubscribe failed, closing subscription", zap.String("subscription", oldSubID), zap.Error(err))
			c.subsMu.Lock()
			delete(c.subs, oldSubID)
			c.subsMu.Unlock()
			c.activeFiltersMu.Lock()
			delete(c.activeFilters, oldSubID)
			c.activeFiltersMu.Unlock()
			sub.close()
			continue
		}

		c.subsMu.Lock()
		if oldSubID != newSubID {
			delete(c.subs, oldSubID)
		}
		c.subsMu.Unlock()

		c.activeFiltersMu.Lock()
		delete(c.activeFilters, oldSubID)
		c.activeFilters[newSubID] = filter
		c.activeFiltersMu.Unlock()
	}
}

// handleMessage processes incoming WebSocket message.
func (c *WSClientImpl) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.log.Debug("ignoring malformed websocket message", zap.Error(err))
		return
	}

	switch {
	case msg.Method == "eth_subscription" && msg.Params != nil:
		c.handleNotification(msg.Params)
	case msg.Error != nil:
		// Pending subscription will time out
		c.log.Warn("websocket error response", zap.Uint64("id", msg.ID), zap.Error(msg.Error))
	case msg.ID > 0 && len(msg.Result) > 0:
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return
		}
		c.handleSubscribeResponse(msg.ID, subID)
	}
}

// handleSubscribeResponse registers the confirmed subscription.
func (c *WSClientImpl) handleSubscribeResponse(reqID uint64, subID string) {
	c.pendingSubsMu.Lock()
	p, ok := c.pendingSubs[reqID]
	if ok {
		delete(c.pendingSubs, reqID)
	}
	c.pendingSubsMu.Unlock()

	if !ok {
		return
	}

	c.subsMu.Lock()
	c.subs[subID] = p.target
	c.subsMu.Unlock()

	select {
	case p.confirm <- subID:
	default:
	}
}

// handleNotification dispatches a log notification to its subscriber.
func (c *WSClientImpl) handleNotification(params *wsNotificationParams) {
	var lg types.Log
	if err := json.Unmarshal(params.Result, &lg); err != nil {
		c.log.Warn("undecodable log notification", zap.String("subscription", params.Subscription), zap.Error(err))
		return
	}

	c.subsMu.RLock()
	sub, ok := c.subs[params.Subscription]
	c.subsMu.RUnlock()

	if ok {
		sub.send(lg, c.done)
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClientImpl) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// A dead connection surfaces as a read error
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}

// WebSocket message types

type wsMessage struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      uint64                `json:"id"`
	Method  string                `json:"method"`
	Result  json.RawMessage       `json:"result"`
	Error   *RPCError             `json:"error"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}
