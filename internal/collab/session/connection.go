// SPDX-License-Identifier: MIT

package session

import (
	"sync"
	"time"
)

// Connection is one registered client channel. SocketID is process-unique;
// ClientID is chosen by the client and stable across reconnects of the same
// browser tab.
type Connection struct {
	SocketID    string
	ClientID    string
	UserID      string
	ProjectID   string
	DisplayName string
	AvatarURL   string
	CanEdit     bool
	ConnectedAt time.Time
	Channel     Channel

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records inbound activity. Used by the idle-connection reaper.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
