package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/coder/websocket"
)

// Transport is a message-oriented, bidirectional connection to one peer
type Transport interface {
	// Read blocks until the next frame arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code websocket.StatusCode, reason string) error
	RemoteAddr() string
}

// wsTransport adapts a coder/websocket connection to Transport
type wsTransport struct {
	conn   *websocket.Conn
	remote string
}

// NewWebSocketTransport wraps an accepted WebSocket connection
func NewWebSocketTransport(conn *websocket.Conn, remote string) Transport {
	return &wsTransport{conn: conn, remote: remote}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}

// isExpectedCloseError reports whether err is a normal consequence of the
// peer or the broker closing the connection
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
