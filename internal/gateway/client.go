package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatbridge/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Client is one WebSocket subscriber of the ops feed. The feed is one-way:
// inbound frames are read only to service control messages and detect
// disconnects.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan *protocol.EventFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan *protocol.EventFrame, sendBufferSize),
		done: make(chan struct{}),
	}
}

// SendEvent queues a frame for delivery. Slow clients drop frames rather
// than stall the broadcaster.
func (c *Client) SendEvent(frame *protocol.EventFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Debug("feed client send buffer full, dropping frame", "id", c.id, "event", frame.Event)
	}
}

// Run pumps frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.readPump()
	c.writePump(ctx)
}

func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
