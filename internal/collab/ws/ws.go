// SPDX-License-Identifier: MIT

// Package ws is a thin, deadline-aware wrapper around gorilla/websocket.
// The server never touches the raw connection; all reads and writes go
// through here so deadlines and close semantics stay in one place.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteTimeout bounds how long a close control frame may block.
const closeWriteTimeout = 2 * time.Second

// Conn wraps one websocket connection.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes the upgrader controls the server needs.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade switches an HTTP request to the websocket protocol.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// Dial opens a client connection. The handshake honors the context deadline.
func Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(deadline)
	}
	c, resp, err := d.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit caps the size of inbound frames. Oversized frames error the
// next read and gorilla closes the connection with 1009.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// SetPongHandler installs h for inbound pong control frames.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	c.c.SetPongHandler(h)
}

// SetReadDeadline bounds the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// ReadMessage reads one frame. A context deadline, when set, bounds the read.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.c.SetReadDeadline(deadline)
	}
	mt, b, err := c.c.ReadMessage()
	if err == nil {
		return mt, b, nil
	}
	if ctx.Err() != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil, ctx.Err()
		}
	}
	return 0, nil, err
}

// WriteMessage writes one frame under the given deadline.
func (c *Conn) WriteMessage(deadline time.Time, messageType int, data []byte) error {
	_ = c.c.SetWriteDeadline(deadline)
	return c.c.WriteMessage(messageType, data)
}

// Ping sends a ping control frame.
func (c *Conn) Ping(deadline time.Time) error {
	return c.c.WriteControl(websocket.PingMessage, nil, deadline)
}

// CloseWithStatus sends a close control frame with the given status code and
// then closes the connection. Safe to call more than once.
func (c *Conn) CloseWithStatus(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	return c.c.Close()
}

// Close closes the connection without a close frame.
func (c *Conn) Close() error {
	return c.c.Close()
}

// IsUnexpectedClose reports whether err is a close error other than the
// codes a well-behaved client sends when leaving.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
