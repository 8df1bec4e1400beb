// SPDX-License-Identifier: MIT

package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
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

type fakeChannel struct {
	mu     sync.Mutex
	frames [][]byte
	open   bool
	code   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true}
}

func (f *fakeChannel) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Close(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.open = false
		f.code = code
	}
}

func (f *fakeChannel) typed(t *testing.T, msgType string) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, frame := range f.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeChannel) lastError(t *testing.T) protocol.ErrorData {
	t.Helper()
	errs := f.typed(t, protocol.TypeError)
	require.NotEmpty(t, errs)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Data, &data))
	return data
}

type harness struct {
	registry   *session.Registry
	dispatcher *Dispatcher
	locks      *lock.Manager
	throttler  *throttle.Throttler
	projectID  string
}

func newHarness() *harness {
	registry := session.NewRegistry(1000)
	tracker := presence.NewTracker(config.DefaultPalette, 30*time.Second, registry)
	locks := lock.NewManager(15*time.Second, 5*time.Minute, registry)
	throttler := throttle.NewThrottler(throttle.Options{
		Interval:   33 * time.Millisecond,
		MaxPerSec:  30,
		MaxPending: 100,
		IdleAfter:  time.Minute,
	}, registry)
	return &harness{
		registry:   registry,
		dispatcher: New(registry, tracker, locks, throttler),
		locks:      locks,
		throttler:  throttler,
		projectID:  uuid.NewString(),
	}
}

func (h *harness) connect(canEdit bool) (*session.Connection, *fakeChannel) {
	ch := newFakeChannel()
	conn := h.registry.Register(session.RegisterParams{
		SocketID:    uuid.NewString(),
		Channel:     ch,
		UserID:      uuid.NewString(),
		ProjectID:   h.projectID,
		ClientID:    uuid.NewString(),
		DisplayName: "tester",
		CanEdit:     canEdit,
	})
	return conn, ch
}

func frame(t *testing.T, msgType string, data any) []byte {
	t.Helper()
	out := protocol.Marshal(msgType, data)
	require.NotNil(t, out)
	return out
}

func eventFrame(t *testing.T, conn *session.Connection, kind protocol.EventType, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return frame(t, protocol.TypeEvent, protocol.Event{
		EventID:   uuid.NewString(),
		ProjectID: conn.ProjectID,
		ActorID:   conn.UserID,
		ClientID:  conn.ClientID,
		SentAt:    time.Now(),
		Type:      kind,
		Version:   protocol.EventVersion,
		Payload:   raw,
	})
}

func TestPingAnswersPong(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	h.dispatcher.HandleFrame(conn, frame(t, protocol.TypePing, struct{}{}))
	assert.Len(t, ch.typed(t, protocol.TypePong), 1)
}

func TestMalformedFrameAnswersError(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	h.dispatcher.HandleFrame(conn, []byte(`{"type": "event", `))
	assert.Equal(t, protocol.CodeParseError, ch.lastError(t).Code)

	h.dispatcher.HandleFrame(conn, []byte(`{"type":"teleport","data":{}}`))
	assert.Equal(t, protocol.CodeUnknownMessageType, ch.lastError(t).Code)

	assert.True(t, ch.IsOpen(), "protocol errors never close the connection")
}

func TestEventIsSequencedAndAcked(t *testing.T) {
	h := newHarness()
	connA, chA := h.connect(true)
	_, chB := h.connect(true)

	h.dispatcher.HandleFrame(connA, eventFrame(t, connA, protocol.EventClipAdd, map[string]string{"clip_id": "c1"}))

	acks := chA.typed(t, protocol.TypeAck)
	require.Len(t, acks, 1)
	var ack protocol.AckData
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.Equal(t, uint64(1), ack.Seq)

	assert.Len(t, chB.typed(t, protocol.TypeEvent), 1)
	assert.Empty(t, chA.typed(t, protocol.TypeEvent), "no echo to the submitter")
}

func TestEventGates(t *testing.T) {
	h := newHarness()

	t.Run("project mismatch", func(t *testing.T) {
		conn, ch := h.connect(true)
		raw, _ := json.Marshal(map[string]string{"clip_id": "c1"})
		h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeEvent, protocol.Event{
			EventID:   uuid.NewString(),
			ProjectID: uuid.NewString(),
			ActorID:   conn.UserID,
			ClientID:  conn.ClientID,
			SentAt:    time.Now(),
			Type:      protocol.EventClipAdd,
			Version:   protocol.EventVersion,
			Payload:   raw,
		}))
		assert.Equal(t, protocol.CodeProjectMismatch, ch.lastError(t).Code)
	})

	t.Run("actor mismatch", func(t *testing.T) {
		conn, ch := h.connect(true)
		raw, _ := json.Marshal(map[string]string{"clip_id": "c1"})
		h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeEvent, protocol.Event{
			EventID:   uuid.NewString(),
			ProjectID: conn.ProjectID,
			ActorID:   uuid.NewString(),
			ClientID:  conn.ClientID,
			SentAt:    time.Now(),
			Type:      protocol.EventClipAdd,
			Version:   protocol.EventVersion,
			Payload:   raw,
		}))
		assert.Equal(t, protocol.CodeActorMismatch, ch.lastError(t).Code)
	})

	t.Run("read-only connection", func(t *testing.T) {
		conn, ch := h.connect(false)
		h.dispatcher.HandleFrame(conn, eventFrame(t, conn, protocol.EventClipAdd, map[string]string{"clip_id": "c1"}))
		assert.Equal(t, protocol.CodeForbidden, ch.lastError(t).Code)
	})
}

func TestParamChangeRequiresLock(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	h.dispatcher.HandleFrame(conn, eventFrame(t, conn, protocol.EventPluginParam,
		protocol.ParamChangePayload{PluginID: "syn", ParamID: "cutoff", Value: 0.5}))

	assert.Equal(t, protocol.CodeConflict, ch.lastError(t).Code)
	assert.Empty(t, ch.typed(t, protocol.TypeAck))
}

func TestParamChangeQueuedNotBroadcast(t *testing.T) {
	h := newHarness()
	connA, chA := h.connect(true)
	_, chB := h.connect(true)

	h.locks.Acquire(h.projectID, protocol.ResourcePlugin, "syn", lock.Holder{
		UserID: connA.UserID, ClientID: connA.ClientID, DisplayName: "A",
	})
	chB.mu.Lock()
	chB.frames = nil // drop the lock broadcast
	chB.mu.Unlock()

	// Establish a seq baseline first.
	h.dispatcher.HandleFrame(connA, eventFrame(t, connA, protocol.EventClipAdd, map[string]string{"clip_id": "c1"}))

	h.dispatcher.HandleFrame(connA, eventFrame(t, connA, protocol.EventPluginParam,
		protocol.ParamChangePayload{PluginID: "syn", ParamID: "cutoff", Value: 0.5}))

	acks := chA.typed(t, protocol.TypeAck)
	require.Len(t, acks, 2)
	var ack protocol.AckData
	require.NoError(t, json.Unmarshal(acks[1].Data, &ack))
	assert.Equal(t, uint64(1), ack.Seq, "param_change ack carries the current seq, not a new one")

	// The individual change is invisible to peers until the batch flushes.
	// The first flush is immediate, so B sees exactly one param_batch event.
	events := chB.typed(t, protocol.TypeEvent)
	batches := 0
	for _, env := range events {
		var ev protocol.Event
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		if ev.Type == protocol.EventPluginParamBatch {
			batches++
			assert.Equal(t, uint64(2), ev.Seq, "the batch takes the next seq")
		} else {
			assert.NotEqual(t, protocol.EventPluginParam, ev.Type)
		}
	}
	assert.Equal(t, 1, batches)
	assert.Empty(t, chA.typed(t, protocol.TypeError))
}

func TestParamChangeDuplicateNotRequeued(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)
	h.locks.Acquire(h.projectID, protocol.ResourcePlugin, "syn", lock.Holder{
		UserID: conn.UserID, ClientID: conn.ClientID,
	})

	raw := eventFrame(t, conn, protocol.EventPluginParam,
		protocol.ParamChangePayload{PluginID: "syn", ParamID: "cutoff", Value: 0.5})
	h.dispatcher.HandleFrame(conn, raw)
	h.dispatcher.HandleFrame(conn, raw)

	assert.Len(t, ch.typed(t, protocol.TypeAck), 2, "duplicates are still acked")
	assert.Zero(t, h.throttler.PendingCount(h.projectID, "syn"),
		"the first submission flushed immediately and the duplicate queued nothing")
}

func TestParamBatchFromClientIsLockGated(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	batch := protocol.ParamBatchPayload{
		PluginID:  "syn",
		BatchID:   uuid.NewString(),
		Params:    map[string]float64{"cutoff": 0.5},
		Timestamp: time.Now(),
	}
	h.dispatcher.HandleFrame(conn, eventFrame(t, conn, protocol.EventPluginParamBatch, batch))
	assert.Equal(t, protocol.CodeConflict, ch.lastError(t).Code)

	h.locks.Acquire(h.projectID, protocol.ResourcePlugin, "syn", lock.Holder{
		UserID: conn.UserID, ClientID: conn.ClientID,
	})
	h.dispatcher.HandleFrame(conn, eventFrame(t, conn, protocol.EventPluginParamBatch, batch))
	assert.Len(t, ch.typed(t, protocol.TypeAck), 1)
}

func TestPresenceJoinSyncsJoiner(t *testing.T) {
	h := newHarness()
	connA, chA := h.connect(true)
	connB, chB := h.connect(true)

	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypePresence, map[string]string{"action": "join"}))
	h.dispatcher.HandleFrame(connB, frame(t, protocol.TypePresence, map[string]string{"action": "join"}))

	// B receives its own sync plus lock sync.
	presences := chB.typed(t, protocol.TypePresence)
	require.NotEmpty(t, presences)
	var sync protocol.PresenceData
	require.NoError(t, json.Unmarshal(presences[len(presences)-1].Data, &sync))
	assert.Equal(t, protocol.PresenceSync, sync.Action)
	assert.Len(t, sync.Users, 2)
	assert.Len(t, chB.typed(t, protocol.TypeLock), 1)

	// A sees B's join notification.
	var sawJoin bool
	for _, env := range chA.typed(t, protocol.TypePresence) {
		var data protocol.PresenceData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if data.Action == protocol.PresenceJoin && data.UpdatedUser != nil && data.UpdatedUser.ClientID == connB.ClientID {
			sawJoin = true
		}
	}
	assert.True(t, sawJoin)
}

func TestPresenceUpdateBroadcasts(t *testing.T) {
	h := newHarness()
	connA, _ := h.connect(true)
	_, chB := h.connect(true)

	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypePresence, map[string]string{"action": "join"}))
	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypePresence, map[string]any{
		"action":   "update",
		"activity": "editing",
	}))

	var sawUpdate bool
	for _, env := range chB.typed(t, protocol.TypePresence) {
		var data protocol.PresenceData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if data.Action == protocol.PresenceUpdate {
			sawUpdate = true
			require.NotNil(t, data.UpdatedUser)
			assert.Equal(t, protocol.ActivityEditing, data.UpdatedUser.Activity)
		}
	}
	assert.True(t, sawUpdate)
}

func TestLockAcquireReleaseRoundtrip(t *testing.T) {
	h := newHarness()
	connA, chA := h.connect(true)
	connB, chB := h.connect(true)

	lockFrame := func(action string) []byte {
		return frame(t, protocol.TypeLock, map[string]string{
			"action":       action,
			"resourceType": "clip",
			"resourceId":   "c1",
		})
	}

	h.dispatcher.HandleFrame(connA, lockFrame("acquire"))
	resps := chA.typed(t, protocol.TypeLockResponse)
	require.Len(t, resps, 1)
	var resp protocol.LockResponseData
	require.NoError(t, json.Unmarshal(resps[0].Data, &resp))
	require.NotNil(t, resp.Granted)
	assert.True(t, *resp.Granted)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, connA.ClientID, resp.Lock.HolderClientID)

	// The acquirer also receives the acquired broadcast with the lock table.
	var sawAcquired bool
	for _, env := range chA.typed(t, protocol.TypeLock) {
		var data protocol.LockData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if data.Action == protocol.LockAcquired && data.ChangedLock != nil &&
			data.ChangedLock.HolderClientID == connA.ClientID {
			sawAcquired = true
			assert.Len(t, data.Locks, 1)
		}
	}
	assert.True(t, sawAcquired)

	// B is denied and learns who holds the lock.
	h.dispatcher.HandleFrame(connB, lockFrame("acquire"))
	resps = chB.typed(t, protocol.TypeLockResponse)
	require.Len(t, resps, 1)
	require.NoError(t, json.Unmarshal(resps[0].Data, &resp))
	require.NotNil(t, resp.Granted)
	assert.False(t, *resp.Granted)
	assert.Equal(t, protocol.CodeConflict, resp.Error)
	require.NotNil(t, resp.HeldBy)
	assert.Equal(t, connA.ClientID, resp.HeldBy.HolderClientID)

	// B cannot release A's lock.
	h.dispatcher.HandleFrame(connB, lockFrame("release"))
	resps = chB.typed(t, protocol.TypeLockResponse)
	require.Len(t, resps, 2)
	require.NoError(t, json.Unmarshal(resps[1].Data, &resp))
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)

	h.dispatcher.HandleFrame(connA, lockFrame("release"))
	resps = chA.typed(t, protocol.TypeLockResponse)
	require.Len(t, resps, 2)
	require.NoError(t, json.Unmarshal(resps[1].Data, &resp))
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
}

func TestLockHeartbeat(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeLock, map[string]string{
		"action": "acquire", "resourceType": "track", "resourceId": "t1",
	}))
	h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeLock, map[string]string{
		"action": "heartbeat", "resourceType": "track", "resourceId": "t1",
	}))

	resps := ch.typed(t, protocol.TypeLockResponse)
	require.Len(t, resps, 2)
	var resp protocol.LockResponseData
	require.NoError(t, json.Unmarshal(resps[1].Data, &resp))
	assert.Equal(t, protocol.LockHeartbeat, resp.Action)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
	require.NotNil(t, resp.Lock)
}

func TestLockRequiresEditRole(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(false)

	h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeLock, map[string]string{
		"action": "acquire", "resourceType": "clip", "resourceId": "c1",
	}))
	assert.Equal(t, protocol.CodeForbidden, ch.lastError(t).Code)
	assert.Empty(t, ch.typed(t, protocol.TypeLockResponse))
}

func TestSyncSendsSnapshotsToSenderOnly(t *testing.T) {
	h := newHarness()
	connA, chA := h.connect(true)
	_, chB := h.connect(true)

	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypeSync, struct{}{}))

	assert.Len(t, chA.typed(t, protocol.TypePresence), 1)
	assert.Len(t, chA.typed(t, protocol.TypeLock), 1)
	assert.Empty(t, chB.typed(t, protocol.TypePresence))
	assert.Empty(t, chB.typed(t, protocol.TypeLock))
}

func TestSyncWithSinceSeqNotImplemented(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)

	h.dispatcher.HandleFrame(conn, frame(t, protocol.TypeSync, map[string]uint64{"since_seq": 5}))

	assert.Equal(t, protocol.CodeNotImplemented, ch.lastError(t).Code)
	// Snapshots still follow so the client can converge.
	assert.Len(t, ch.typed(t, protocol.TypePresence), 1)
}

func TestDisconnectTeardown(t *testing.T) {
	h := newHarness()
	connA, _ := h.connect(true)
	_, chB := h.connect(true)

	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypePresence, map[string]string{"action": "join"}))
	h.dispatcher.HandleFrame(connA, frame(t, protocol.TypeLock, map[string]string{
		"action": "acquire", "resourceType": "clip", "resourceId": "c1",
	}))

	h.dispatcher.HandleDisconnect(connA)

	// Locks are gone and peers were told why.
	assert.Empty(t, h.locks.Snapshot(h.projectID))
	var sawDisconnectRelease bool
	for _, env := range chB.typed(t, protocol.TypeLock) {
		var data protocol.LockData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		if data.Action == protocol.LockReleased && data.Reason == protocol.ReleaseDisconnect {
			sawDisconnectRelease = true
		}
	}
	assert.True(t, sawDisconnectRelease)

	_, conns := h.registry.Counts()
	assert.Equal(t, 1, conns)
}

func TestSequencingSurvivesMixedTraffic(t *testing.T) {
	h := newHarness()
	conn, ch := h.connect(true)
	_, chB := h.connect(true)

	for i := 0; i < 5; i++ {
		h.dispatcher.HandleFrame(conn, eventFrame(t, conn, protocol.EventClipMove,
			map[string]string{"clip_id": fmt.Sprintf("c%d", i)}))
	}

	acks := ch.typed(t, protocol.TypeAck)
	require.Len(t, acks, 5)
	var last protocol.AckData
	require.NoError(t, json.Unmarshal(acks[4].Data, &last))
	assert.Equal(t, uint64(5), last.Seq)
	assert.Len(t, chB.typed(t, protocol.TypeEvent), 5)
}
