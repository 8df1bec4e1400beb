// SPDX-License-Identifier: MIT

package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundry-audio/collabd/internal/collab/lock"
	"github.com/soundry-audio/collabd/internal/collab/presence"
	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/collab/throttle"
	"github.com/soundry-audio/collabd/internal/config"
)

type noopChannel struct {
	open bool
	code int
}

func (c *noopChannel) Send([]byte) bool { return c.open }
func (c *noopChannel) IsOpen() bool     { return c.open }
func (c *noopChannel) Close(code int, _ string) {
	if c.open {
		c.open = false
		c.code = code
	}
}

type core struct {
	registry  *session.Registry
	tracker   *presence.Tracker
	locks     *lock.Manager
	throttler *throttle.Throttler
}

func newCore() *core {
	registry := session.NewRegistry(100)
	return &core{
		registry: registry,
		tracker:  presence.NewTracker(config.DefaultPalette, 30*time.Second, registry),
		locks:    lock.NewManager(15*time.Second, 5*time.Minute, registry),
		throttler: throttle.NewThrottler(throttle.Options{
			Interval:   33 * time.Millisecond,
			MaxPerSec:  30,
			MaxPending: 100,
			IdleAfter:  time.Minute,
		}, registry),
	}
}

func TestSweepOnceReapsEverythingExpired(t *testing.T) {
	c := newCore()
	j := New(Config{Interval: 5 * time.Second, IdleConnection: 5 * time.Minute},
		c.registry, c.locks, c.tracker, c.throttler)

	projectID := uuid.NewString()
	h := lock.Holder{UserID: uuid.NewString(), ClientID: uuid.NewString()}
	c.locks.Acquire(projectID, protocol.ResourceClip, "c1", h)
	c.tracker.Join(projectID, presence.Identity{UserID: uuid.NewString(), ClientID: uuid.NewString()})

	idleCh := &noopChannel{open: true}
	conn := c.registry.Register(session.RegisterParams{
		SocketID: uuid.NewString(), Channel: idleCh,
		UserID: uuid.NewString(), ProjectID: projectID, ClientID: uuid.NewString(),
	})
	conn.Touch(time.Now())

	// Sweep as if an hour passed: the lease, the presence entry, and the
	// connection are all past their cutoffs.
	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	j.SweepOnce()

	assert.Empty(t, c.locks.Snapshot(projectID))
	assert.Empty(t, c.tracker.Snapshot(projectID))
	assert.False(t, idleCh.open)
	assert.Equal(t, session.CloseIdleTimeout, idleCh.code)
}

func TestSweepOnceLeavesFreshStateAlone(t *testing.T) {
	c := newCore()
	j := New(Config{Interval: 5 * time.Second, IdleConnection: 5 * time.Minute},
		c.registry, c.locks, c.tracker, c.throttler)

	projectID := uuid.NewString()
	h := lock.Holder{UserID: uuid.NewString(), ClientID: uuid.NewString()}
	c.locks.Acquire(projectID, protocol.ResourceClip, "c1", h)
	c.tracker.Join(projectID, presence.Identity{UserID: uuid.NewString(), ClientID: uuid.NewString()})

	ch := &noopChannel{open: true}
	conn := c.registry.Register(session.RegisterParams{
		SocketID: uuid.NewString(), Channel: ch,
		UserID: uuid.NewString(), ProjectID: projectID, ClientID: uuid.NewString(),
	})
	conn.Touch(time.Now())

	j.SweepOnce()

	require.Len(t, c.locks.Snapshot(projectID), 1)
	require.Len(t, c.tracker.Snapshot(projectID), 1)
	assert.True(t, ch.open)
}

func TestSweepOnceEmptyCore(t *testing.T) {
	c := newCore()
	j := New(Config{Interval: time.Second, IdleConnection: time.Minute},
		c.registry, c.locks, c.tracker, c.throttler)
	j.SweepOnce()
}

func TestRunStopsOnCancel(t *testing.T) {
	c := newCore()
	j := New(Config{Interval: 10 * time.Millisecond, IdleConnection: time.Minute},
		c.registry, c.locks, c.tracker, c.throttler)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		j.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
