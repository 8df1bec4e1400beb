// SPDX-License-Identifier: MIT

package session

// Close codes emitted by the core.
const (
	CloseAuthFailure  = 4001
	CloseIdleTimeout  = 4000
	CloseInternal     = 1011
	CloseBackPressure = 1013
	CloseGoingAway    = 1001
)

// Channel is the outbound half of a connection. Send must never block the
// caller: implementations enqueue onto a bounded queue and report overflow by
// returning false and tearing the connection down themselves.
type Channel interface {
	// Send enqueues one serialized frame. Returns false if the channel is
	// closed or the queue is full.
	Send(frame []byte) bool
	// IsOpen reports whether the channel still accepts frames.
	IsOpen() bool
	// Close sends a close frame with the given status code and shuts the
	// channel down. Safe to call more than once.
	Close(code int, reason string)
}
