// SPDX-License-Identifier: MIT

// Package throttle coalesces high-frequency plugin parameter changes into
// rate-limited plugin.param_batch events. Individual param_change submissions
// are acknowledged but never broadcast; peers only ever see batches.
package throttle

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/metrics"
)

// Publisher is the slice of the session registry the throttler needs: the
// ordered server-event path, excluding the origin client from fan-out.
type Publisher interface {
	PublishServerEvent(projectID string, ev *protocol.Event, originClientID string) uint64
}

// Origin identifies the client whose changes a batch carries.
type Origin struct {
	ActorID  string
	ClientID string
}

type batchKey struct {
	projectID string
	pluginID  string
}

// pluginState accumulates pending changes for one (project, plugin) pair.
// Coalescing keeps only the latest value per param between flushes.
type pluginState struct {
	pending  map[string]float64
	latestTS time.Time
	origin   Origin

	lastFlush   time.Time
	timer       *time.Timer
	windowStart time.Time
	windowCount int

	lastActivity time.Time
}

// Throttler is the process-wide parameter batcher.
type Throttler struct {
	interval   time.Duration
	maxPerSec  int
	maxPending int
	idleAfter  time.Duration
	pub        Publisher
	now        func() time.Time
	afterFunc  func(d time.Duration, f func()) *time.Timer
	logger     zerolog.Logger

	mu     sync.Mutex
	states map[batchKey]*pluginState
}

// Options configures a Throttler.
type Options struct {
	// Interval is the minimum spacing between flushes of one plugin.
	Interval time.Duration
	// MaxPerSec caps flushes per second per plugin; excess batches are
	// discarded silently.
	MaxPerSec int
	// MaxPending forces an immediate flush once this many distinct params
	// are pending.
	MaxPending int
	// IdleAfter is how long an empty state survives before the janitor
	// reaps it.
	IdleAfter time.Duration
}

// NewThrottler creates a throttler publishing through pub.
func NewThrottler(opts Options, pub Publisher) *Throttler {
	return &Throttler{
		interval:   opts.Interval,
		maxPerSec:  opts.MaxPerSec,
		maxPending: opts.MaxPending,
		idleAfter:  opts.IdleAfter,
		pub:        pub,
		now:        time.Now,
		afterFunc:  time.AfterFunc,
		logger:     log.WithComponent("throttle"),
		states:     make(map[batchKey]*pluginState),
	}
}

// Queue records one param change for coalescing. The latest value per param
// wins. A flush happens immediately when the pending set hits MaxPending or
// when the plugin has not flushed within the last interval; otherwise one is
// scheduled to land exactly at lastFlush+interval.
func (t *Throttler) Queue(projectID string, change protocol.ParamChangePayload, origin Origin, sentAt time.Time) {
	key := batchKey{projectID, change.PluginID}
	now := t.now()

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		st = &pluginState{
			pending:     make(map[string]float64),
			windowStart: now,
		}
		t.states[key] = st
	}
	st.pending[change.ParamID] = change.Value
	if sentAt.After(st.latestTS) {
		st.latestTS = sentAt
	}
	st.origin = origin
	st.lastActivity = now

	var ev *protocol.Event
	var originClientID string
	if len(st.pending) >= t.maxPending {
		ev, originClientID = t.flushLocked(key, st, now)
	} else if st.timer == nil {
		delay := t.interval - now.Sub(st.lastFlush)
		if delay <= 0 {
			ev, originClientID = t.flushLocked(key, st, now)
		} else {
			st.timer = t.afterFunc(delay, func() { t.flushKey(key) })
		}
	}
	t.mu.Unlock()

	t.publish(ev, originClientID)
}

// flushKey is the timer callback path.
func (t *Throttler) flushKey(key batchKey) {
	var ev *protocol.Event
	var originClientID string

	t.mu.Lock()
	if st, ok := t.states[key]; ok {
		st.timer = nil
		if len(st.pending) > 0 {
			ev, originClientID = t.flushLocked(key, st, t.now())
		}
	}
	t.mu.Unlock()

	t.publish(ev, originClientID)
}

// publish runs the ordered server-event path outside the state lock so
// fan-out never serializes behind the throttler.
func (t *Throttler) publish(ev *protocol.Event, originClientID string) {
	if ev == nil {
		return
	}
	t.pub.PublishServerEvent(ev.ProjectID, ev, originClientID)
	metrics.IncParamBatch("emitted")
}

// flushLocked drains the pending changes of one plugin into a param_batch
// event for the caller to publish after releasing the lock. The per-second
// window is enforced here: past the cap the pending set is dropped without
// notifying anyone.
func (t *Throttler) flushLocked(key batchKey, st *pluginState, now time.Time) (*protocol.Event, string) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}

	if now.Sub(st.windowStart) >= time.Second {
		st.windowStart = now
		st.windowCount = 0
	}
	if st.windowCount >= t.maxPerSec {
		st.pending = make(map[string]float64)
		st.lastFlush = now
		metrics.IncParamBatch("rate_limited")
		t.logger.Warn().
			Str(log.FieldProjectID, key.projectID).
			Str(log.FieldPluginID, key.pluginID).
			Msg("param batch discarded by rate limit")
		return nil, ""
	}
	st.windowCount++

	params := st.pending
	st.pending = make(map[string]float64)
	st.lastFlush = now

	payload, err := json.Marshal(protocol.ParamBatchPayload{
		PluginID:  key.pluginID,
		BatchID:   uuid.NewString(),
		Params:    params,
		Timestamp: st.latestTS,
	})
	if err != nil {
		metrics.IncParamBatch("error")
		return nil, ""
	}

	return &protocol.Event{
		EventID:   uuid.NewString(),
		ProjectID: key.projectID,
		ActorID:   st.origin.ActorID,
		ClientID:  st.origin.ClientID,
		SentAt:    now,
		Type:      protocol.EventPluginParamBatch,
		Version:   protocol.EventVersion,
		Payload:   payload,
	}, st.origin.ClientID
}

// DropClient discards pending state originated by the client. Unflushed
// changes are lost, which is the disconnect contract.
func (t *Throttler) DropClient(projectID, clientID string) {
	t.mu.Lock()
	for key, st := range t.states {
		if key.projectID == projectID && st.origin.ClientID == clientID {
			if st.timer != nil {
				st.timer.Stop()
			}
			delete(t.states, key)
		}
	}
	t.mu.Unlock()
}

// ReapIdle removes states with nothing pending and no recent activity.
// Returns the number reaped.
func (t *Throttler) ReapIdle(now time.Time) int {
	cutoff := now.Add(-t.idleAfter)
	reaped := 0

	t.mu.Lock()
	for key, st := range t.states {
		if len(st.pending) == 0 && st.lastActivity.Before(cutoff) {
			if st.timer != nil {
				st.timer.Stop()
			}
			delete(t.states, key)
			reaped++
		}
	}
	t.mu.Unlock()
	return reaped
}

// Flush force-flushes everything pending. Used on shutdown.
func (t *Throttler) Flush() {
	type flushed struct {
		ev     *protocol.Event
		origin string
	}
	now := t.now()

	t.mu.Lock()
	var out []flushed
	for key, st := range t.states {
		if len(st.pending) > 0 {
			ev, origin := t.flushLocked(key, st, now)
			if ev != nil {
				out = append(out, flushed{ev, origin})
			}
		}
	}
	t.mu.Unlock()

	for _, f := range out {
		t.publish(f.ev, f.origin)
	}
}

// PendingCount reports the number of distinct pending params for one plugin.
func (t *Throttler) PendingCount(projectID, pluginID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[batchKey{projectID, pluginID}]; ok {
		return len(st.pending)
	}
	return 0
}
