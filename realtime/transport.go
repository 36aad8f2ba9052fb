package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write when the caller's context carries
// no deadline of its own.
const writeWait = 10 * time.Second

// Conn is one established channel to the grading backend.
type Conn interface {
	// Read blocks for the next inbound message. It unblocks with an error
	// once the connection is closed.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one outbound message.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down. Safe to call concurrently with
	// Read and Write.
	Close() error
}

// Transport dials connections. Implementations must be safe for repeated
// dials; the manager calls Dial once per reconnect attempt.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketTransport dials websocket connections.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a websocket transport with the given
// handshake timeout.
func NewWebSocketTransport(handshakeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens a websocket connection to url.
func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
