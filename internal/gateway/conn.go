package gateway

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
)

const readLimit = 4 << 20

// Conn is one open duplex socket carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// opener is implemented by transports that can report their own liveness.
type opener interface {
	Open() bool
}

func isOpen(conn Conn) bool {
	if conn == nil {
		return false
	}
	if o, ok := conn.(opener); ok {
		return o.Open()
	}
	return true
}

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct {
	Options *websocket.DialOptions
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.closed.Store(true)
	}
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	err := c.conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		c.closed.Store(true)
	}
	return err
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "dashboard disconnect")
}

func (c *wsConn) Open() bool { return !c.closed.Load() }
