// SPDX-License-Identifier: MIT

// Package protocol is the single choke point for wire (de)serialization.
// Inbound frames are parsed and validated here; every downstream component
// consumes typed values only.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope is the outer wire shape of every message: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound message types.
const (
	TypePing     = "ping"
	TypeEvent    = "event"
	TypePresence = "presence"
	TypeLock     = "lock"
	TypeSync     = "sync"
)

// Outbound message types.
const (
	TypeConnected    = "connected"
	TypeAck          = "ack"
	TypeError        = "error"
	TypePong         = "pong"
	TypeLockResponse = "lock_response"
)

// Inbound is a decoded client frame. Exactly one of the variant structs
// implements it per outer type.
type Inbound interface {
	inbound()
}

// Ping requests a pong.
type Ping struct{}

// EventSubmit carries a validated timeline event envelope.
type EventSubmit struct {
	Event Event
}

// Presence actions.
const (
	PresenceJoin   = "join"
	PresenceLeave  = "leave"
	PresenceUpdate = "update"
	PresenceSync   = "sync"
)

// PresenceRequest is a join/leave/update presence frame.
type PresenceRequest struct {
	Action      string
	DisplayName string
	AvatarURL   string
	Delta       PresenceDelta
}

// Lock actions.
const (
	LockAcquire   = "acquire"
	LockRelease   = "release"
	LockHeartbeat = "heartbeat"
	LockAcquired  = "acquired"
	LockReleased  = "released"
	LockSync      = "sync"
)

// LockRequest is an acquire/release/heartbeat lock frame.
type LockRequest struct {
	Action       string
	ResourceType ResourceType
	ResourceID   string
	Reason       string
}

// SyncRequest asks for fresh presence and lock snapshots. SinceSeq, when
// set, asks for event replay, which this server does not provide.
type SyncRequest struct {
	SinceSeq *uint64
}

func (Ping) inbound()            {}
func (EventSubmit) inbound()     {}
func (PresenceRequest) inbound() {}
func (LockRequest) inbound()     {}
func (SyncRequest) inbound()     {}

type presenceWire struct {
	Action      string `json:"action"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	PresenceDelta
}

type lockWire struct {
	Action       string       `json:"action"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Reason       string       `json:"reason"`
}

type syncWire struct {
	SinceSeq *uint64 `json:"since_seq"`
}

// Decode parses and validates one inbound frame. The returned *Error carries
// a client-visible code; the raw error detail never leaves the codec.
func Decode(raw []byte) (Inbound, *Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, Errorf(CodeParseError, "malformed JSON frame")
		}
		return nil, Errorf(CodeInvalidMessage, "message must be a {type, data} object")
	}
	if env.Type == "" {
		return nil, Errorf(CodeInvalidMessage, "message must be a {type, data} object")
	}
	if len(env.Data) > 0 && !isJSONObject(env.Data) {
		return nil, Errorf(CodeInvalidMessage, "data must be an object")
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil

	case TypeEvent:
		var ev Event
		if len(env.Data) == 0 {
			return nil, Errorf(CodeInvalidMessage, "event requires data")
		}
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, Errorf(CodeValidationError, "event envelope does not match schema")
		}
		if perr := ValidateEvent(&ev); perr != nil {
			return nil, perr
		}
		return EventSubmit{Event: ev}, nil

	case TypePresence:
		var pw presenceWire
		if len(env.Data) == 0 {
			return nil, Errorf(CodeInvalidMessage, "presence requires data")
		}
		if err := json.Unmarshal(env.Data, &pw); err != nil {
			return nil, Errorf(CodeInvalidPayload, "presence data does not match schema")
		}
		switch pw.Action {
		case PresenceJoin, PresenceLeave, PresenceUpdate:
		default:
			return nil, Errorf(CodeUnknownPresenceAction, "unknown presence action %q", pw.Action)
		}
		if pw.Activity != nil && !pw.Activity.Valid() {
			return nil, Errorf(CodeInvalidPayload, "unknown activity %q", *pw.Activity)
		}
		return PresenceRequest{
			Action:      pw.Action,
			DisplayName: pw.DisplayName,
			AvatarURL:   pw.AvatarURL,
			Delta:       pw.PresenceDelta,
		}, nil

	case TypeLock:
		var lw lockWire
		if len(env.Data) == 0 {
			return nil, Errorf(CodeInvalidMessage, "lock requires data")
		}
		if err := json.Unmarshal(env.Data, &lw); err != nil {
			return nil, Errorf(CodeInvalidPayload, "lock data does not match schema")
		}
		switch lw.Action {
		case LockAcquire, LockRelease, LockHeartbeat:
		default:
			return nil, Errorf(CodeUnknownLockAction, "unknown lock action %q", lw.Action)
		}
		if !lw.ResourceType.Valid() {
			return nil, Errorf(CodeInvalidPayload, "unknown resource type %q", lw.ResourceType)
		}
		if lw.ResourceID == "" {
			return nil, Errorf(CodeInvalidPayload, "resourceId is required")
		}
		return LockRequest{
			Action:       lw.Action,
			ResourceType: lw.ResourceType,
			ResourceID:   lw.ResourceID,
			Reason:       lw.Reason,
		}, nil

	case TypeSync:
		var sw syncWire
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &sw); err != nil {
				return nil, Errorf(CodeInvalidPayload, "sync data does not match schema")
			}
		}
		return SyncRequest{SinceSeq: sw.SinceSeq}, nil

	default:
		return nil, Errorf(CodeUnknownMessageType, "unknown message type %q", env.Type)
	}
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// Marshal wraps data in an envelope and serializes it. Marshal failures are
// programming errors; callers treat the empty slice as "do not send".
func Marshal(msgType string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(Envelope{Type: msgType, Data: payload})
	if err != nil {
		return nil
	}
	return out
}

// ConnectedData greets a freshly registered connection.
type ConnectedData struct {
	SocketID  string    `json:"socket_id"`
	ProjectID string    `json:"project_id"`
	ClientID  string    `json:"client_id"`
	CanEdit   bool      `json:"can_edit"`
	Timestamp time.Time `json:"timestamp"`
}

// AckData confirms a processed (or deduplicated) event.
type AckData struct {
	EventID    string    `json:"event_id"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}

// ErrorData reports a recoverable in-session failure.
type ErrorData struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PongData answers a ping.
type PongData struct {
	Timestamp time.Time `json:"timestamp"`
}

// PresenceData carries presence sync/join/leave/update notifications.
type PresenceData struct {
	Action      string     `json:"action"`
	Users       []Presence `json:"users"`
	UpdatedUser *Presence  `json:"updatedUser,omitempty"`
}

// LockData carries lock sync/acquired/released notifications.
type LockData struct {
	Action      string        `json:"action"`
	Locks       []Lock        `json:"locks"`
	ChangedLock *Lock         `json:"changedLock,omitempty"`
	Reason      ReleaseReason `json:"reason,omitempty"`
}

// LockResponseData answers the sender of a lock request.
type LockResponseData struct {
	Action       string       `json:"action"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Granted      *bool        `json:"granted,omitempty"`
	Success      *bool        `json:"success,omitempty"`
	Lock         *Lock        `json:"lock,omitempty"`
	HeldBy       *Lock        `json:"heldBy,omitempty"`
	Error        ErrorCode    `json:"error,omitempty"`
}

// ErrorFrame serializes an error message for a protocol error.
func ErrorFrame(perr *Error, now time.Time) []byte {
	return Marshal(TypeError, ErrorData{
		Code:      perr.Code,
		Message:   perr.Message,
		EventID:   perr.EventID,
		Timestamp: now,
	})
}
