package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// controlWriteTimeout bounds one response write on a control connection.
	controlWriteTimeout = 5 * time.Second
	pongWait            = 30 * time.Second
	pingPeriod          = 10 * time.Second
	pingWriteTimeout    = 100 * time.Millisecond
	closeGrace          = time.Second
	maxMessageSize      = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard and relay are served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errConnClosed = errors.New("connection closed")

// wsConn adapts a websocket connection to registry.Subscriber. Every frame,
// pings and the close frame included, is written while holding the write
// token, and waiting for the token is bounded by the caller's deadline.
// Close is idempotent and safe to call from any goroutine.
type wsConn struct {
	conn *websocket.Conn

	write     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{conn: conn, write: make(chan struct{}, 1), done: make(chan struct{})}
}

func (c *wsConn) release() { <-c.write }

// Send writes msg as one text message. The context deadline becomes the
// write deadline, so a stalled peer fails the send instead of blocking.
func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlWriteTimeout)
	}

	select {
	case c.write <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
	defer c.release()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case c.write <- struct{}{}:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			c.release()
		case <-timer.C:
			// A stalled writer holds the token; closing the socket unblocks it.
		}
		err = c.conn.Close()
	})
	return err
}

// keepalive pings the peer until the connection closes. A peer that stops
// answering trips the read deadline and ends the read loop.
func (c *wsConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// ping writes one ping frame. It skips the ping while another write holds
// the token, since that write is traffic the peer must read anyway.
func (c *wsConn) ping() error {
	select {
	case c.write <- struct{}{}:
	default:
		return nil
	}
	defer c.release()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
