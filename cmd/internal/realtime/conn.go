package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one open push connection. Implementations must allow Write and Close
// concurrently with a blocked Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, subprotocols []string) (Conn, error)
}

// WSDialer dials with github.com/coder/websocket.
type WSDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, rawURL string, subprotocols []string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: subprotocols,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}
	conn.SetReadLimit(limit)
	return wsConn{c: conn}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := w.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if mt == websocket.MessageText || mt == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// closeCode returns the peer's close code, or -1 when the connection ended without one.
func closeCode(err error) int {
	return int(websocket.CloseStatus(err))
}
