// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the only accepted event envelope version.
const EventVersion = "1.0"

// EventType names a timeline edit kind. `track.*` and `transport.*` are
// open-ended families; the rest form a closed set.
type EventType string

const (
	EventClipAdd    EventType = "clip.add"
	EventClipMove   EventType = "clip.move"
	EventClipDelete EventType = "clip.delete"

	EventPluginAdd        EventType = "plugin.add"
	EventPluginUpdate     EventType = "plugin.update"
	EventPluginDelete     EventType = "plugin.delete"
	EventPluginReorder    EventType = "plugin.reorder"
	EventPluginParam      EventType = "plugin.param_change"
	EventPluginParamBatch EventType = "plugin.param_batch"
)

// Valid reports whether t is an accepted event kind.
func (t EventType) Valid() bool {
	switch t {
	case EventClipAdd, EventClipMove, EventClipDelete,
		EventPluginAdd, EventPluginUpdate, EventPluginDelete,
		EventPluginReorder, EventPluginParam, EventPluginParamBatch:
		return true
	}
	if rest, ok := strings.CutPrefix(string(t), "track."); ok {
		return rest != ""
	}
	if rest, ok := strings.CutPrefix(string(t), "transport."); ok {
		return rest != ""
	}
	return false
}

// Event is the timeline event envelope. Seq and ReceivedAt are assigned
// server-side at the moment of successful processing.
type Event struct {
	EventID    string          `json:"event_id"`
	ProjectID  string          `json:"project_id"`
	ActorID    string          `json:"actor_id"`
	ClientID   string          `json:"client_id"`
	Seq        uint64          `json:"seq,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
	ReceivedAt time.Time       `json:"received_at,omitzero"`
	Type       EventType       `json:"type"`
	Version    string          `json:"version"`
	Payload    json.RawMessage `json:"payload"`
}

// ParamChangePayload is the payload of a plugin.param_change event.
type ParamChangePayload struct {
	PluginID string  `json:"plugin_id"`
	ParamID  string  `json:"param_id"`
	Value    float64 `json:"value"`
}

// ParamBatchPayload is the payload of a plugin.param_batch event. Params maps
// param IDs to their latest coalesced values; Timestamp carries the newest
// client-side timestamp of the coalesced changes.
type ParamBatchPayload struct {
	PluginID  string             `json:"plugin_id"`
	BatchID   string             `json:"batch_id"`
	Params    map[string]float64 `json:"params"`
	Timestamp time.Time          `json:"timestamp"`
}

// ValidateEvent structurally validates a client-submitted event envelope.
// Seq and ReceivedAt must be unset; IDs must be well-formed UUIDs; the
// payload must match the event kind.
func ValidateEvent(ev *Event) *Error {
	if ev == nil {
		return Errorf(CodeValidationError, "event data missing")
	}
	fail := func(format string, args ...any) *Error {
		return EventErrorf(CodeValidationError, ev.EventID, format, args...)
	}

	for _, f := range []struct {
		name  string
		value string
	}{
		{"event_id", ev.EventID},
		{"project_id", ev.ProjectID},
		{"actor_id", ev.ActorID},
		{"client_id", ev.ClientID},
	} {
		if f.value == "" {
			return fail("%s is required", f.name)
		}
		if _, err := uuid.Parse(f.value); err != nil {
			return fail("%s is not a well-formed UUID", f.name)
		}
	}

	if ev.Version != EventVersion {
		return fail("unsupported version %q", ev.Version)
	}
	if !ev.Type.Valid() {
		return fail("unknown event type %q", ev.Type)
	}
	if ev.Seq != 0 {
		return fail("seq is server-assigned")
	}
	if ev.SentAt.IsZero() {
		return fail("sent_at is required")
	}
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return fail("payload is required")
	}

	switch ev.Type {
	case EventPluginParam:
		var p ParamChangePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail("param_change payload: %v", err)
		}
		if p.PluginID == "" || p.ParamID == "" {
			return fail("param_change payload requires plugin_id and param_id")
		}
	case EventPluginParamBatch:
		var p ParamBatchPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail("param_batch payload: %v", err)
		}
		if p.PluginID == "" || len(p.Params) == 0 {
			return fail("param_batch payload requires plugin_id and params")
		}
	default:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(ev.Payload, &obj); err != nil {
			return fail("payload must be an object")
		}
	}

	return nil
}
