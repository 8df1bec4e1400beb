// SPDX-License-Identifier: MIT

// Package janitor runs the periodic cleanup loop: expired lock leases, stale
// presence entries, idle connections, and abandoned throttler state.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/lock"
	"github.com/soundry-audio/collabd/internal/collab/presence"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/collab/throttle"
	"github.com/soundry-audio/collabd/internal/log"
)

// Config defines the sweep cadence and the idle-connection cutoff.
type Config struct {
	Interval       time.Duration
	IdleConnection time.Duration
}

// Janitor sweeps the collaboration core on a ticker.
type Janitor struct {
	conf     Config
	registry *session.Registry
	locks    *lock.Manager
	presence *presence.Tracker
	throttle *throttle.Throttler
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a janitor over the collaboration core.
func New(conf Config, registry *session.Registry, locks *lock.Manager, tracker *presence.Tracker, throttler *throttle.Throttler) *Janitor {
	return &Janitor{
		conf:     conf,
		registry: registry,
		locks:    locks,
		presence: tracker,
		throttle: throttler,
		now:      time.Now,
		logger:   log.WithComponent("janitor"),
	}
}

// Run starts the sweep loop. It periodically calls SweepOnce on a ticker and
// returns when ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	if j.conf.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(j.conf.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.conf.Interval).Msg("janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce()
		}
	}
}

// SweepOnce performs exactly one sweep pass. Deterministic, for tests.
func (j *Janitor) SweepOnce() {
	now := j.now()

	expiredLocks := j.locks.CleanupExpired(now)
	stalePresence := j.presence.CleanupStale(now)
	reapedThrottle := j.throttle.ReapIdle(now)

	idleClosed := 0
	for _, conn := range j.registry.IdleConnections(now.Add(-j.conf.IdleConnection)) {
		conn.Channel.Close(session.CloseIdleTimeout, "idle timeout")
		idleClosed++
	}

	if expiredLocks+stalePresence+reapedThrottle+idleClosed > 0 {
		j.logger.Debug().
			Int("expired_locks", expiredLocks).
			Int("stale_presence", stalePresence).
			Int("reaped_throttle", reapedThrottle).
			Int("idle_closed", idleClosed).
			Msg("sweep complete")
	}
}
