package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/r3almx/realtime/internal/v1/logging"
	"github.com/r3almx/realtime/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Client wraps one websocket with a stable connection id and a
// buffered outbound channel. All writes go through writePump so the
// underlying socket only ever sees one writer.
type Client struct {
	conn   wsConnection
	id     types.ConnID
	userID types.UserID

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	lastSeen    time.Time

	closeOnce sync.Once
	send      chan []byte
}

func newClient(conn wsConnection, userID types.UserID) *Client {
	return &Client{
		conn:      conn,
		id:        types.ConnID(uuid.NewString()),
		userID:    userID,
		send:      make(chan []byte, sendBuffer),
		closeCode: websocket.CloseNormalClosure,
		lastSeen:  time.Now(),
	}
}

// ID satisfies types.Conn.
func (c *Client) ID() types.ConnID {
	return c.id
}

// UserID returns the authenticated user driving this socket.
func (c *Client) UserID() types.UserID {
	return c.userID
}

// SendJSON queues a JSON frame for the write pump. A full buffer means
// the client cannot keep up; the frame is dropped and the caller gets
// an error it can use to evict the socket.
func (c *Client) SendJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	defer func() {
		// Losing a race with Close can panic on the closed channel.
		if r := recover(); r != nil {
			logging.GetLogger().Debug("send to closing client", zap.String("connId", string(c.id)))
		}
	}()

	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame",
			zap.String("connId", string(c.id)), zap.String("userId", string(c.userID)))
		return errSendBufferFull
	}
}

// Close marks the client closed and hands the close frame to the write
// pump. Safe to call from any goroutine, any number of times.
func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
	return nil
}

// ReadFrame blocks for the next text frame and records the receive
// time for the idle watchdog.
func (c *Client) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.touch()
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// idleFor reports how long ago the last frame arrived.
func (c *Client) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// writePump drains the send channel onto the socket. When the channel
// closes it writes the close frame recorded by Close and shuts the
// connection down.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		message, ok := <-c.send
		if !ok {
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("connId", string(c.id)), zap.Error(err))
			return
		}
	}
}
