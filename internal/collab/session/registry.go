// SPDX-License-Identifier: MIT

// Package session tracks live connections per project and owns per-project
// event ordering: sequence assignment, the idempotency window, and fan-out.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/metrics"
)

// projectSession owns every connection of one project. All sequencing and
// fan-out for the project happens under its mutex, which is what makes the
// per-project event order total.
type projectSession struct {
	projectID string

	mu      sync.Mutex
	conns   map[string]*Connection // by socketID
	lastSeq uint64
	window  *eventWindow
}

// Registry is the process-wide connection registry. Mutable state is
// partitioned by project; the registry itself only guards the two indexes.
type Registry struct {
	historySize int
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*projectSession
	bySocket map[string]*projectSession
}

// NewRegistry creates a registry with the given idempotency window size.
func NewRegistry(historySize int) *Registry {
	return &Registry{
		historySize: historySize,
		now:         time.Now,
		logger:      log.WithComponent("session"),
		sessions:    make(map[string]*projectSession),
		bySocket:    make(map[string]*projectSession),
	}
}

// RegisterParams carries the identity resolved during the handshake.
type RegisterParams struct {
	SocketID    string
	Channel     Channel
	UserID      string
	ProjectID   string
	ClientID    string
	DisplayName string
	AvatarURL   string
	CanEdit     bool
}

// Register adds a connection, lazily creating the project session, and
// greets the new connection with a `connected` message.
func (r *Registry) Register(p RegisterParams) *Connection {
	now := r.now()
	conn := &Connection{
		SocketID:     p.SocketID,
		ClientID:     p.ClientID,
		UserID:       p.UserID,
		ProjectID:    p.ProjectID,
		DisplayName:  p.DisplayName,
		AvatarURL:    p.AvatarURL,
		CanEdit:      p.CanEdit,
		ConnectedAt:  now,
		Channel:      p.Channel,
		lastActivity: now,
	}

	r.mu.Lock()
	sess, ok := r.sessions[p.ProjectID]
	if !ok {
		sess = &projectSession{
			projectID: p.ProjectID,
			conns:     make(map[string]*Connection),
			window:    newEventWindow(r.historySize),
		}
		r.sessions[p.ProjectID] = sess
		metrics.SetSessions(len(r.sessions))
	}
	r.bySocket[p.SocketID] = sess
	r.mu.Unlock()

	sess.mu.Lock()
	sess.conns[p.SocketID] = conn
	sess.mu.Unlock()

	metrics.ConnOpened()
	conn.Channel.Send(protocol.Marshal(protocol.TypeConnected, protocol.ConnectedData{
		SocketID:  p.SocketID,
		ProjectID: p.ProjectID,
		ClientID:  p.ClientID,
		CanEdit:   p.CanEdit,
		Timestamp: now,
	}))

	r.logger.Info().
		Str(log.FieldProjectID, p.ProjectID).
		Str(log.FieldSocketID, p.SocketID).
		Str(log.FieldClientID, p.ClientID).
		Bool("can_edit", p.CanEdit).
		Msg("connection registered")

	return conn
}

// Unregister removes a connection. The project session is dropped when its
// last connection leaves; sequencing state does not survive an empty room.
func (r *Registry) Unregister(socketID string) {
	r.mu.Lock()
	sess, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySocket, socketID)
	r.mu.Unlock()

	sess.mu.Lock()
	_, present := sess.conns[socketID]
	delete(sess.conns, socketID)
	empty := len(sess.conns) == 0
	sess.mu.Unlock()

	if present {
		metrics.ConnClosed()
	}

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: a racing Register may have
		// repopulated the session.
		sess.mu.Lock()
		if len(sess.conns) == 0 && r.sessions[sess.projectID] == sess {
			delete(r.sessions, sess.projectID)
			metrics.SetSessions(len(r.sessions))
		}
		sess.mu.Unlock()
		r.mu.Unlock()
		r.logger.Info().Str(log.FieldProjectID, sess.projectID).Msg("project session dropped")
	}
}

// Lookup returns the connection registered under socketID.
func (r *Registry) Lookup(socketID string) (*Connection, bool) {
	r.mu.RLock()
	sess, ok := r.bySocket[socketID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	conn, ok := sess.conns[socketID]
	return conn, ok
}

func (r *Registry) session(projectID string) *projectSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[projectID]
}

// NextSeq assigns the next sequence number for the project. Callers MUST
// attach it to the event before fan-out.
func (r *Registry) NextSeq(projectID string) uint64 {
	sess := r.session(projectID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeq++
	return sess.lastSeq
}

// CurrentSeq returns the last sequence number assigned for the project.
func (r *Registry) CurrentSeq(projectID string) uint64 {
	sess := r.session(projectID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastSeq
}

// IsDuplicate reports whether eventID is inside the idempotency window.
func (r *Registry) IsDuplicate(projectID, eventID string) bool {
	sess := r.session(projectID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.window.Contains(eventID)
}

// MarkProcessed records eventID in the idempotency window, evicting the
// oldest insertion when the window is full.
func (r *Registry) MarkProcessed(projectID, eventID string) {
	sess := r.session(projectID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.window.Add(eventID)
}

// BroadcastOptions controls fan-out targeting. The sender (matched by
// clientID) is skipped unless EchoToSender is set.
type BroadcastOptions struct {
	SenderClientID string
	EchoToSender   bool
	Include        []string // when non-empty, restrict to these clientIDs
	Exclude        []string
}

// Broadcast sends one pre-serialized frame to every live connection of the
// project, applying opts. Send failures count but never abort the fan-out.
// Returns the number of successful deliveries.
func (r *Registry) Broadcast(projectID string, frame []byte, opts BroadcastOptions) int {
	sess := r.session(projectID)
	if sess == nil || frame == nil {
		return 0
	}
	sess.mu.Lock()
	targets := make([]*Connection, 0, len(sess.conns))
	for _, conn := range sess.conns {
		targets = append(targets, conn)
	}
	sess.mu.Unlock()

	return r.fanOut(targets, frame, opts)
}

// fanOutLocked delivers to every connection of the session. The caller must
// hold sess.mu; Channel.Send is a non-blocking enqueue, so delivery under the
// lock is cheap and keeps per-peer order aligned with seq assignment.
func (r *Registry) fanOutLocked(sess *projectSession, frame []byte, opts BroadcastOptions) int {
	targets := make([]*Connection, 0, len(sess.conns))
	for _, c := range sess.conns {
		targets = append(targets, c)
	}
	return r.fanOut(targets, frame, opts)
}

func (r *Registry) fanOut(targets []*Connection, frame []byte, opts BroadcastOptions) int {
	sent := 0
	for _, conn := range targets {
		if conn.ClientID == opts.SenderClientID && !opts.EchoToSender {
			continue
		}
		if len(opts.Include) > 0 && !slices.Contains(opts.Include, conn.ClientID) {
			continue
		}
		if slices.Contains(opts.Exclude, conn.ClientID) {
			continue
		}
		if !conn.Channel.IsOpen() || !conn.Channel.Send(frame) {
			metrics.IncBroadcastFailure()
			continue
		}
		sent++
	}
	metrics.ObserveFanout(sent)
	return sent
}

// ProcessEvent runs the ordered event path for a client submission: dedup,
// sequence assignment, idempotency marking, and fan-out, all under the
// project lock so every peer observes the same total order. The returned ack
// carries the definitive seq; duplicate reports whether the event had
// already been processed.
func (r *Registry) ProcessEvent(conn *Connection, ev *protocol.Event) (ack protocol.AckData, duplicate bool) {
	sess := r.session(conn.ProjectID)
	if sess == nil {
		// The connection is being torn down; treat as a no-op duplicate.
		return protocol.AckData{EventID: ev.EventID, ReceivedAt: r.now()}, true
	}

	now := r.now()
	sess.mu.Lock()

	if sess.window.Contains(ev.EventID) {
		seq := sess.lastSeq
		sess.mu.Unlock()
		metrics.IncEvent(string(ev.Type), "duplicate")
		return protocol.AckData{EventID: ev.EventID, Seq: seq, ReceivedAt: now}, true
	}

	sess.lastSeq++
	ev.Seq = sess.lastSeq
	ev.ReceivedAt = now
	sess.window.Add(ev.EventID)
	conn.Touch(now)

	// Enqueue to peers before releasing the session lock. Send never blocks,
	// and delivering under the lock is what makes every peer's delivery order
	// match the seq order; fanning out after unlock would let a racing event
	// with a higher seq arrive first.
	frame := protocol.Marshal(protocol.TypeEvent, ev)
	r.fanOutLocked(sess, frame, BroadcastOptions{SenderClientID: ev.ClientID})
	sess.mu.Unlock()

	metrics.IncEvent(string(ev.Type), "broadcast")
	r.logger.Debug().
		Str(log.FieldProjectID, conn.ProjectID).
		Str(log.FieldEventID, ev.EventID).
		Str(log.FieldEventType, string(ev.Type)).
		Uint64(log.FieldSeq, ev.Seq).
		Msg("event broadcast")

	return protocol.AckData{EventID: ev.EventID, Seq: ev.Seq, ReceivedAt: now}, false
}

// PublishServerEvent runs the ordered event path for a server-originated
// event (throttler batches). The originating client, when set, is excluded
// from the fan-out.
func (r *Registry) PublishServerEvent(projectID string, ev *protocol.Event, originClientID string) uint64 {
	sess := r.session(projectID)
	if sess == nil {
		return 0
	}

	sess.mu.Lock()
	sess.lastSeq++
	ev.Seq = sess.lastSeq
	ev.ReceivedAt = r.now()
	sess.window.Add(ev.EventID)
	frame := protocol.Marshal(protocol.TypeEvent, ev)
	r.fanOutLocked(sess, frame, BroadcastOptions{SenderClientID: originClientID})
	sess.mu.Unlock()

	metrics.IncEvent(string(ev.Type), "broadcast")
	return ev.Seq
}

// Connections returns a snapshot of the project's live connections.
func (r *Registry) Connections(projectID string) []*Connection {
	sess := r.session(projectID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*Connection, 0, len(sess.conns))
	for _, conn := range sess.conns {
		out = append(out, conn)
	}
	return out
}

// Counts returns the number of live sessions and connections.
func (r *Registry) Counts() (sessions, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.bySocket)
}

// IdleConnections returns connections without inbound activity since the
// cutoff. The caller closes them with the idle status code.
func (r *Registry) IdleConnections(cutoff time.Time) []*Connection {
	r.mu.RLock()
	sessions := make([]*projectSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	var idle []*Connection
	for _, sess := range sessions {
		sess.mu.Lock()
		for _, conn := range sess.conns {
			if conn.LastActivity().Before(cutoff) {
				idle = append(idle, conn)
			}
		}
		sess.mu.Unlock()
	}
	return idle
}

// CloseAll closes every registered connection. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	sessions := make([]*projectSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		conns := make([]*Connection, 0, len(sess.conns))
		for _, conn := range sess.conns {
			conns = append(conns, conn)
		}
		sess.mu.Unlock()
		for _, conn := range conns {
			conn.Channel.Close(code, reason)
		}
	}
}
