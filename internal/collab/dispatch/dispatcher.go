// SPDX-License-Identifier: MIT

// Package dispatch routes decoded client frames to the collaboration core
// and owns the teardown ordering when a connection goes away.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/lock"
	"github.com/soundry-audio/collabd/internal/collab/presence"
	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/collab/throttle"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/metrics"
)

// Dispatcher wires the per-frame message flow: decode, authorize, hand off
// to the owning component, answer the sender.
type Dispatcher struct {
	registry *session.Registry
	presence *presence.Tracker
	locks    *lock.Manager
	throttle *throttle.Throttler
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a dispatcher over the collaboration core.
func New(registry *session.Registry, tracker *presence.Tracker, locks *lock.Manager, throttler *throttle.Throttler) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		presence: tracker,
		locks:    locks,
		throttle: throttler,
		now:      time.Now,
		logger:   log.WithComponent("dispatch"),
	}
}

// HandleFrame processes one raw inbound frame. Protocol violations answer
// the sender with an error message; they never tear the connection down.
// A panic in a handler is contained to the offending frame.
func (d *Dispatcher) HandleFrame(conn *session.Connection, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str(log.FieldProjectID, conn.ProjectID).
				Str(log.FieldSocketID, conn.SocketID).
				Interface("panic", rec).
				Msg("frame handler panicked")
			d.sendError(conn, protocol.Errorf(protocol.CodeProcessingError, "internal error processing message"))
		}
	}()

	conn.Touch(d.now())

	msg, perr := protocol.Decode(raw)
	if perr != nil {
		d.sendError(conn, perr)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		conn.Channel.Send(protocol.Marshal(protocol.TypePong, protocol.PongData{Timestamp: d.now()}))
		d.presence.Touch(conn.ProjectID, conn.ClientID)

	case protocol.EventSubmit:
		d.handleEvent(conn, &m.Event)

	case protocol.PresenceRequest:
		d.handlePresence(conn, m)

	case protocol.LockRequest:
		d.handleLock(conn, m)

	case protocol.SyncRequest:
		d.handleSync(conn, m)
	}
}

// handleEvent runs the authorization gates shared by all timeline events,
// then splits the param_change fast path from the ordered path.
func (d *Dispatcher) handleEvent(conn *session.Connection, ev *protocol.Event) {
	if ev.ProjectID != conn.ProjectID {
		metrics.IncEvent(string(ev.Type), "rejected")
		d.sendError(conn, protocol.EventErrorf(protocol.CodeProjectMismatch, ev.EventID,
			"event project does not match this connection"))
		return
	}
	if ev.ActorID != conn.UserID {
		metrics.IncEvent(string(ev.Type), "rejected")
		d.sendError(conn, protocol.EventErrorf(protocol.CodeActorMismatch, ev.EventID,
			"actor_id does not match the authenticated user"))
		return
	}
	if !conn.CanEdit {
		metrics.IncEvent(string(ev.Type), "rejected")
		d.sendError(conn, protocol.EventErrorf(protocol.CodeForbidden, ev.EventID,
			"connection is read-only"))
		return
	}

	switch ev.Type {
	case protocol.EventPluginParam:
		d.handleParamChange(conn, ev)
	case protocol.EventPluginParamBatch:
		// Client-submitted batches obey the same lock gate as the
		// individual changes they replace.
		var p protocol.ParamBatchPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			d.sendError(conn, protocol.EventErrorf(protocol.CodeValidationError, ev.EventID,
				"param_batch payload: %v", err))
			return
		}
		if !d.locks.IsHeldBy(conn.ProjectID, protocol.ResourcePlugin, p.PluginID, conn.ClientID) {
			metrics.IncEvent(string(ev.Type), "rejected")
			d.sendError(conn, protocol.EventErrorf(protocol.CodeConflict, ev.EventID,
				"plugin %s is not locked by this client", p.PluginID))
			return
		}
		d.processOrdered(conn, ev)
	default:
		d.processOrdered(conn, ev)
	}
}

func (d *Dispatcher) processOrdered(conn *session.Connection, ev *protocol.Event) {
	ack, _ := d.registry.ProcessEvent(conn, ev)
	conn.Channel.Send(protocol.Marshal(protocol.TypeAck, ack))
	d.presence.Touch(conn.ProjectID, conn.ClientID)
}

// handleParamChange acks the submission and hands the value to the
// throttler. The individual change is never broadcast; peers see the
// coalesced plugin.param_batch later. The ack therefore carries the current
// project seq, not a new one.
func (d *Dispatcher) handleParamChange(conn *session.Connection, ev *protocol.Event) {
	var p protocol.ParamChangePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		d.sendError(conn, protocol.EventErrorf(protocol.CodeValidationError, ev.EventID,
			"param_change payload: %v", err))
		return
	}
	if !d.locks.IsHeldBy(conn.ProjectID, protocol.ResourcePlugin, p.PluginID, conn.ClientID) {
		metrics.IncEvent(string(ev.Type), "rejected")
		d.sendError(conn, protocol.EventErrorf(protocol.CodeConflict, ev.EventID,
			"plugin %s is not locked by this client", p.PluginID))
		return
	}

	now := d.now()
	if d.registry.IsDuplicate(conn.ProjectID, ev.EventID) {
		metrics.IncEvent(string(ev.Type), "duplicate")
	} else {
		d.registry.MarkProcessed(conn.ProjectID, ev.EventID)
		d.throttle.Queue(conn.ProjectID, p, throttle.Origin{
			ActorID:  conn.UserID,
			ClientID: conn.ClientID,
		}, ev.SentAt)
		metrics.IncEvent(string(ev.Type), "queued")
	}

	conn.Channel.Send(protocol.Marshal(protocol.TypeAck, protocol.AckData{
		EventID:    ev.EventID,
		Seq:        d.registry.CurrentSeq(conn.ProjectID),
		ReceivedAt: now,
	}))
	d.presence.Touch(conn.ProjectID, conn.ClientID)
}

func (d *Dispatcher) handlePresence(conn *session.Connection, req protocol.PresenceRequest) {
	switch req.Action {
	case protocol.PresenceJoin:
		displayName := conn.DisplayName
		if req.DisplayName != "" {
			displayName = req.DisplayName
		}
		avatarURL := conn.AvatarURL
		if req.AvatarURL != "" {
			avatarURL = req.AvatarURL
		}
		_, snapshot := d.presence.Join(conn.ProjectID, presence.Identity{
			UserID:      conn.UserID,
			ClientID:    conn.ClientID,
			DisplayName: displayName,
			AvatarURL:   avatarURL,
		})
		// The joiner gets the full room state directly; peers already
		// got the join broadcast.
		conn.Channel.Send(protocol.Marshal(protocol.TypePresence, protocol.PresenceData{
			Action: protocol.PresenceSync,
			Users:  snapshot,
		}))
		conn.Channel.Send(protocol.Marshal(protocol.TypeLock, protocol.LockData{
			Action: protocol.LockSync,
			Locks:  d.locks.Snapshot(conn.ProjectID),
		}))

	case protocol.PresenceLeave:
		d.presence.Leave(conn.ProjectID, conn.ClientID, protocol.ReleaseExplicit)

	case protocol.PresenceUpdate:
		// Updates before an explicit join are dropped; the client has no
		// presence entry to merge into.
		d.presence.Update(conn.ProjectID, conn.ClientID, req.Delta)
	}
}

func (d *Dispatcher) handleLock(conn *session.Connection, req protocol.LockRequest) {
	if !conn.CanEdit {
		d.sendError(conn, protocol.Errorf(protocol.CodeForbidden, "connection is read-only"))
		return
	}

	d.logger.Debug().
		Str(log.FieldProjectID, conn.ProjectID).
		Str(log.FieldClientID, conn.ClientID).
		Str(log.FieldAction, req.Action).
		Str(log.FieldResourceType, string(req.ResourceType)).
		Str(log.FieldResourceID, req.ResourceID).
		Msg("lock request")

	switch req.Action {
	case protocol.LockAcquire:
		granted, heldBy := d.locks.Acquire(conn.ProjectID, req.ResourceType, req.ResourceID, lock.Holder{
			UserID:      conn.UserID,
			ClientID:    conn.ClientID,
			DisplayName: conn.DisplayName,
			Reason:      req.Reason,
		})
		resp := protocol.LockResponseData{
			Action:       protocol.LockAcquire,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Granted:      boolPtr(granted != nil),
		}
		if granted != nil {
			resp.Lock = granted
		} else {
			resp.HeldBy = heldBy
			resp.Error = protocol.CodeConflict
		}
		conn.Channel.Send(protocol.Marshal(protocol.TypeLockResponse, resp))

	case protocol.LockRelease:
		ok := d.locks.Release(conn.ProjectID, req.ResourceType, req.ResourceID, conn.ClientID)
		resp := protocol.LockResponseData{
			Action:       protocol.LockRelease,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Success:      boolPtr(ok),
		}
		if !ok {
			resp.Error = protocol.CodeForbidden
		}
		conn.Channel.Send(protocol.Marshal(protocol.TypeLockResponse, resp))

	case protocol.LockHeartbeat:
		extended, alive := d.locks.Heartbeat(conn.ProjectID, req.ResourceType, req.ResourceID, conn.ClientID)
		resp := protocol.LockResponseData{
			Action:       protocol.LockHeartbeat,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Success:      boolPtr(alive),
			Lock:         extended,
		}
		if !alive {
			resp.Error = protocol.CodeConflict
		}
		conn.Channel.Send(protocol.Marshal(protocol.TypeLockResponse, resp))
	}
}

// handleSync answers with fresh presence and lock snapshots for the sender
// only. Event replay is not provided; clients reload the project instead.
func (d *Dispatcher) handleSync(conn *session.Connection, req protocol.SyncRequest) {
	if req.SinceSeq != nil {
		d.sendError(conn, protocol.Errorf(protocol.CodeNotImplemented,
			"event replay is not available; reload the project"))
	}
	conn.Channel.Send(protocol.Marshal(protocol.TypePresence, protocol.PresenceData{
		Action: protocol.PresenceSync,
		Users:  d.presence.Snapshot(conn.ProjectID),
	}))
	conn.Channel.Send(protocol.Marshal(protocol.TypeLock, protocol.LockData{
		Action: protocol.LockSync,
		Locks:  d.locks.Snapshot(conn.ProjectID),
	}))
}

// HandleDisconnect tears down everything the connection owned, in an order
// that lets peers observe a consistent room: presence goes first, then the
// locks are released, pending batches die, and finally the registry entry.
func (d *Dispatcher) HandleDisconnect(conn *session.Connection) {
	d.presence.Leave(conn.ProjectID, conn.ClientID, protocol.ReleaseDisconnect)
	d.locks.ReleaseAllForClient(conn.ProjectID, conn.ClientID)
	d.throttle.DropClient(conn.ProjectID, conn.ClientID)
	d.registry.Unregister(conn.SocketID)

	d.logger.Info().
		Str(log.FieldProjectID, conn.ProjectID).
		Str(log.FieldSocketID, conn.SocketID).
		Str(log.FieldClientID, conn.ClientID).
		Msg("connection torn down")
}

func (d *Dispatcher) sendError(conn *session.Connection, perr *protocol.Error) {
	conn.Channel.Send(protocol.ErrorFrame(perr, d.now()))
}

func boolPtr(b bool) *bool { return &b }
