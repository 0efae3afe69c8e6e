package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// client is one websocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Sink = (*client)(nil)

func newClient(conn *websocket.Conn, hub *Hub, buffer int, log *zap.Logger) *client {
	id := uuid.New().String()
	return &client{
		id:   id,
		conn: conn,
		hub:  hub,
		log:  log.With(zap.String("client", id)),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues payload; a full buffer drops it.
func (c *client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.LeaveAll(c.id)
		_ = c.conn.Close()
	})
}

// serve runs the connection until either side goes away.
func (c *client) serve(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *client) handle(ctx context.Context, data []byte) {
	var req ClientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(errorPayload("", "malformed request"))
		return
	}

	var err error
	switch req.Action {
	case ActionSubscribe:
		err = c.hub.Join(ctx, c, req.Channel)
	case ActionUnsubscribe:
		err = c.hub.Leave(c, req.Channel)
	default:
		err = errors.New("unknown action")
	}
	if err != nil {
		c.Send(errorPayload(req.Channel, err.Error()))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
