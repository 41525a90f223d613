package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
	maxFrameSize = 64 << 10
)

// Client is one websocket connection. Writes go through Send and are
// performed by WriteLoop only.
type Client struct {
	ID   string
	Name string
	Conn *websocket.Conn
	Send chan []byte

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int
}

func NewClient(conn *websocket.Conn, name string) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Name: name,
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// WriteLoop handles outbound messages and keepalive pings until ctx is done,
// Close is called, or a write fails.
func (c *Client) WriteLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop calls onMessage for every text frame until the connection fails.
// A missing pong within pongWait ends the loop.
func (c *Client) ReadLoop(onMessage func([]byte)) error {
	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// SendMessage queues msg without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) SendMessage(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		c.dropped++
		return false
	}
}

// Dropped returns how many messages were discarded on a full buffer.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops WriteLoop, which sends a close frame. Safe to call more than
// once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed by Close.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
