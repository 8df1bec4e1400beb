// SPDX-License-Identifier: MIT

package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
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

// typed returns the decoded frames of the given outer type.
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

func registerClient(r *Registry, projectID, name string) (*Connection, *fakeChannel) {
	ch := newFakeChannel()
	conn := r.Register(RegisterParams{
		SocketID:    uuid.NewString(),
		Channel:     ch,
		UserID:      uuid.NewString(),
		ProjectID:   projectID,
		ClientID:    uuid.NewString(),
		DisplayName: name,
		CanEdit:     true,
	})
	return conn, ch
}

func makeEvent(conn *Connection, kind protocol.EventType) *protocol.Event {
	return &protocol.Event{
		EventID:   uuid.NewString(),
		ProjectID: conn.ProjectID,
		ActorID:   conn.UserID,
		ClientID:  conn.ClientID,
		SentAt:    time.Now(),
		Type:      kind,
		Version:   protocol.EventVersion,
		Payload:   json.RawMessage(`{"clip_id":"c1"}`),
	}
}

func TestRegisterGreetsConnection(t *testing.T) {
	r := NewRegistry(100)
	conn, ch := registerClient(r, uuid.NewString(), "A")

	greets := ch.typed(t, protocol.TypeConnected)
	require.Len(t, greets, 1)

	var data protocol.ConnectedData
	require.NoError(t, json.Unmarshal(greets[0].Data, &data))
	assert.Equal(t, conn.SocketID, data.SocketID)
	assert.Equal(t, conn.ClientID, data.ClientID)
	assert.True(t, data.CanEdit)
}

func TestProcessEventSequencesAndSkipsEcho(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, chA := registerClient(r, projectID, "A")
	_, chB := registerClient(r, projectID, "B")

	ack1, dup := r.ProcessEvent(connA, makeEvent(connA, protocol.EventClipAdd))
	require.False(t, dup)
	ack2, dup := r.ProcessEvent(connA, makeEvent(connA, "clip.move"))
	require.False(t, dup)

	assert.Equal(t, uint64(1), ack1.Seq)
	assert.Equal(t, uint64(2), ack2.Seq)

	// B observes both broadcasts in order; A observes no echo.
	events := chB.typed(t, protocol.TypeEvent)
	require.Len(t, events, 2)
	var first, second protocol.Event
	require.NoError(t, json.Unmarshal(events[0].Data, &first))
	require.NoError(t, json.Unmarshal(events[1].Data, &second))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.ReceivedAt.IsZero())

	assert.Empty(t, chA.typed(t, protocol.TypeEvent))
}

func TestProcessEventDeduplicates(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, _ := registerClient(r, projectID, "A")
	_, chB := registerClient(r, projectID, "B")

	ev := makeEvent(connA, protocol.EventClipAdd)
	dupEv := *ev

	ack1, dup1 := r.ProcessEvent(connA, ev)
	ack2, dup2 := r.ProcessEvent(connA, &dupEv)

	assert.False(t, dup1)
	assert.True(t, dup2)
	assert.Equal(t, uint64(1), ack1.Seq)
	assert.Equal(t, uint64(1), ack2.Seq, "duplicate ack carries the current seq")
	assert.Len(t, chB.typed(t, protocol.TypeEvent), 1, "exactly one broadcast")

	// Seq advanced exactly once.
	next, _ := r.ProcessEvent(connA, makeEvent(connA, protocol.EventClipMove))
	assert.Equal(t, uint64(2), next.Seq)
}

func TestIdempotencyWindowEvictsOldest(t *testing.T) {
	r := NewRegistry(3)
	projectID := uuid.NewString()
	connA, _ := registerClient(r, projectID, "A")

	first := makeEvent(connA, protocol.EventClipAdd)
	r.ProcessEvent(connA, first)
	for i := 0; i < 3; i++ {
		r.ProcessEvent(connA, makeEvent(connA, protocol.EventClipMove))
	}

	// The window held 3 entries, so the first ID has been evicted and a
	// re-submission counts as new.
	resub := *first
	resub.Seq = 0
	resub.ReceivedAt = time.Time{}
	ack, dup := r.ProcessEvent(connA, &resub)
	assert.False(t, dup)
	assert.Equal(t, uint64(5), ack.Seq)
}

func TestBroadcastTargeting(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, chA := registerClient(r, projectID, "A")
	connB, chB := registerClient(r, projectID, "B")
	connC, chC := registerClient(r, projectID, "C")

	frame := protocol.Marshal(protocol.TypePong, protocol.PongData{Timestamp: time.Now()})

	sent := r.Broadcast(projectID, frame, BroadcastOptions{SenderClientID: connA.ClientID})
	assert.Equal(t, 2, sent)

	sent = r.Broadcast(projectID, frame, BroadcastOptions{SenderClientID: connA.ClientID, EchoToSender: true})
	assert.Equal(t, 3, sent)

	sent = r.Broadcast(projectID, frame, BroadcastOptions{Include: []string{connB.ClientID}})
	assert.Equal(t, 1, sent)

	sent = r.Broadcast(projectID, frame, BroadcastOptions{Exclude: []string{connB.ClientID, connC.ClientID}})
	assert.Equal(t, 1, sent)

	assert.NotEmpty(t, chA.typed(t, protocol.TypePong))
	assert.NotEmpty(t, chB.typed(t, protocol.TypePong))
	assert.NotEmpty(t, chC.typed(t, protocol.TypePong))
}

func TestBroadcastSkipsClosedChannels(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	registerClient(r, projectID, "A")
	_, chB := registerClient(r, projectID, "B")
	chB.Close(CloseInternal, "test")

	frame := protocol.Marshal(protocol.TypePong, protocol.PongData{Timestamp: time.Now()})
	sent := r.Broadcast(projectID, frame, BroadcastOptions{})
	assert.Equal(t, 1, sent, "closed channel counts as failed, fan-out continues")
}

func TestUnregisterDropsEmptySession(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, _ := registerClient(r, projectID, "A")
	connB, _ := registerClient(r, projectID, "B")

	r.Unregister(connA.SocketID)
	sessions, conns := r.Counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, conns)

	r.Unregister(connB.SocketID)
	sessions, conns = r.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, conns)

	// Sequencing state does not survive an empty room.
	connA2, _ := registerClient(r, projectID, "A")
	ack, _ := r.ProcessEvent(connA2, makeEvent(connA2, protocol.EventClipAdd))
	assert.Equal(t, uint64(1), ack.Seq)
}

func TestUnregisterUnknownSocketIsNoop(t *testing.T) {
	r := NewRegistry(100)
	r.Unregister("never-registered")
}

func TestPublishServerEventExcludesOrigin(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, chA := registerClient(r, projectID, "A")
	_, chB := registerClient(r, projectID, "B")

	ev := makeEvent(connA, protocol.EventPluginParamBatch)
	seq := r.PublishServerEvent(projectID, ev, connA.ClientID)

	assert.Equal(t, uint64(1), seq)
	assert.Empty(t, chA.typed(t, protocol.TypeEvent))
	assert.Len(t, chB.typed(t, protocol.TypeEvent), 1)
}

func TestConcurrentSubmissionsKeepTotalOrder(t *testing.T) {
	r := NewRegistry(10000)
	projectID := uuid.NewString()

	const writers = 8
	const perWriter = 50
	const observers = 4

	conns := make([]*Connection, writers)
	for i := range conns {
		conns[i], _ = registerClient(r, projectID, fmt.Sprintf("W%d", i))
	}
	peers := make([]*fakeChannel, observers)
	for i := range peers {
		_, peers[i] = registerClient(r, projectID, fmt.Sprintf("observer%d", i))
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				r.ProcessEvent(c, makeEvent(c, protocol.EventClipMove))
			}
		}(conn)
	}
	wg.Wait()

	// Every peer must see the events in the exact order they were sequenced,
	// gap-free from 1: delivery order and seq order are the same thing.
	for i, peer := range peers {
		events := peer.typed(t, protocol.TypeEvent)
		require.Len(t, events, writers*perWriter)
		for j, env := range events {
			var ev protocol.Event
			require.NoError(t, json.Unmarshal(env.Data, &ev))
			require.Equal(t, uint64(j+1), ev.Seq,
				"peer %d observed seq %d at delivery position %d", i, ev.Seq, j)
		}
	}
}

func TestIdleConnections(t *testing.T) {
	r := NewRegistry(100)
	projectID := uuid.NewString()
	connA, _ := registerClient(r, projectID, "A")
	connB, _ := registerClient(r, projectID, "B")

	connA.Touch(time.Now().Add(-10 * time.Minute))
	connB.Touch(time.Now())

	idle := r.IdleConnections(time.Now().Add(-5 * time.Minute))
	require.Len(t, idle, 1)
	assert.Equal(t, connA.SocketID, idle[0].SocketID)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(100)
	_, chA := registerClient(r, uuid.NewString(), "A")
	_, chB := registerClient(r, uuid.NewString(), "B")

	r.CloseAll(CloseGoingAway, "shutdown")
	assert.False(t, chA.IsOpen())
	assert.False(t, chB.IsOpen())
	assert.Equal(t, CloseGoingAway, chA.code)
	assert.Equal(t, CloseGoingAway, chB.code)
}
