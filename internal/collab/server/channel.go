// SPDX-License-Identifier: MIT

package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/ws"
	"github.com/soundry-audio/collabd/internal/metrics"
)

// wsChannel adapts one websocket connection to the session.Channel contract.
// Sends are queued on a bounded channel and drained by a single writer
// goroutine; a full queue means the client cannot keep up and the connection
// is closed with the back-pressure status code.
type wsChannel struct {
	conn         *ws.Conn
	sendCh       chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       zerolog.Logger

	// onOverflow runs (once, on its own goroutine) when the queue
	// overflows, after the channel is already closed.
	onOverflow func()

	mu       sync.Mutex
	open     bool
	done     chan struct{}
	overflow sync.Once
}

func newWSChannel(conn *ws.Conn, queueSize int, writeTimeout, pingInterval time.Duration, logger zerolog.Logger) *wsChannel {
	return &wsChannel{
		conn:         conn,
		sendCh:       make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
		open:         true,
		done:         make(chan struct{}),
	}
}

// Send queues one frame for delivery. It never blocks: a full queue drops
// the connection instead of stalling the broadcaster.
func (c *wsChannel) Send(frame []byte) bool {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- frame:
		return true
	default:
		metrics.IncSlowClientDrop()
		c.logger.Warn().Msg("outbound queue overflow, dropping slow client")
		c.Close(websocket.CloseTryAgainLater, "outbound queue overflow")
		c.overflow.Do(func() {
			if c.onOverflow != nil {
				go c.onOverflow()
			}
		})
		return false
	}
}

func (c *wsChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close sends a close frame with the given status code and stops the writer.
// Subsequent calls are no-ops, so the first close code wins.
func (c *wsChannel) Close(code int, reason string) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.CloseWithStatus(code, reason)
}

// writePump is the single writer: it drains the send queue and keeps the
// connection alive with periodic pings. It exits when the channel closes.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.conn.WriteMessage(time.Now().Add(c.writeTimeout), websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close(websocket.CloseInternalServerErr, "write failure")
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close(websocket.CloseInternalServerErr, "ping failure")
				return
			}
		case <-c.done:
			return
		}
	}
}
