// SPDX-License-Identifier: MIT

// Package presence tracks who is in a project and what they are doing:
// cursors, playheads, selections, activity, and the per-user color.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/log"
)

// Broadcaster is the slice of the session registry presence needs.
type Broadcaster interface {
	Broadcast(projectID string, frame []byte, opts session.BroadcastOptions) int
}

// Identity carries the fields a joiner brings along.
type Identity struct {
	UserID      string
	ClientID    string
	DisplayName string
	AvatarURL   string
}

type projectPresence struct {
	entries map[string]*protocol.Presence // by clientID
	colors  map[string]string             // userID -> palette color
}

// Tracker is the per-process presence table, partitioned by project.
type Tracker struct {
	palette    []string
	staleAfter time.Duration
	bc         Broadcaster
	now        func() time.Time
	logger     zerolog.Logger

	mu       sync.Mutex
	projects map[string]*projectPresence
}

// NewTracker creates a tracker. staleAfter bounds how long an entry survives
// without activity before the janitor removes it with reason "timeout".
func NewTracker(palette []string, staleAfter time.Duration, bc Broadcaster) *Tracker {
	return &Tracker{
		palette:    palette,
		staleAfter: staleAfter,
		bc:         bc,
		now:        time.Now,
		logger:     log.WithComponent("presence"),
		projects:   make(map[string]*projectPresence),
	}
}

// Join adds (or refreshes) a project member and broadcasts the join to every
// peer except the joiner. The returned snapshot includes the joiner and is
// the caller's sync payload for the new connection.
func (t *Tracker) Join(projectID string, identity Identity) (joined protocol.Presence, snapshot []protocol.Presence) {
	now := t.now()

	t.mu.Lock()
	proj, ok := t.projects[projectID]
	if !ok {
		proj = &projectPresence{
			entries: make(map[string]*protocol.Presence),
			colors:  make(map[string]string),
		}
		t.projects[projectID] = proj
	}

	entry := &protocol.Presence{
		UserID:      identity.UserID,
		ClientID:    identity.ClientID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Color:       t.assignColorLocked(proj, identity.UserID),
		Activity:    protocol.ActivityIdle,
		LastSeen:    now,
		JoinedAt:    now,
	}
	proj.entries[identity.ClientID] = entry

	joined = *entry
	snapshot = snapshotLocked(proj)
	t.mu.Unlock()

	t.broadcast(projectID, protocol.PresenceData{
		Action:      protocol.PresenceJoin,
		Users:       snapshot,
		UpdatedUser: &joined,
	}, identity.ClientID)

	t.logger.Debug().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldClientID, identity.ClientID).
		Str(log.FieldUserID, identity.UserID).
		Str("color", joined.Color).
		Msg("presence join")

	return joined, snapshot
}

// assignColorLocked keeps colors stable per (project, user): an existing
// assignment wins, else the first palette color unused in the project, else
// palette[len % n] once the palette is saturated.
func (t *Tracker) assignColorLocked(proj *projectPresence, userID string) string {
	if color, ok := proj.colors[userID]; ok {
		return color
	}

	used := make(map[string]bool, len(proj.colors))
	for _, color := range proj.colors {
		used[color] = true
	}
	color := t.palette[len(proj.colors)%len(t.palette)]
	for _, candidate := range t.palette {
		if !used[candidate] {
			color = candidate
			break
		}
	}
	proj.colors[userID] = color
	return color
}

// Leave removes a member and broadcasts the departure. Color assignments for
// the project are discarded when the last member leaves.
func (t *Tracker) Leave(projectID, clientID string, reason protocol.ReleaseReason) {
	t.mu.Lock()
	proj, ok := t.projects[projectID]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry, ok := proj.entries[clientID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(proj.entries, clientID)
	departed := *entry
	if len(proj.entries) == 0 {
		delete(t.projects, projectID)
		t.mu.Unlock()
		t.logger.Debug().
			Str(log.FieldProjectID, projectID).
			Str(log.FieldReason, string(reason)).
			Msg("presence project emptied")
		t.broadcast(projectID, protocol.PresenceData{
			Action:      protocol.PresenceLeave,
			Users:       []protocol.Presence{},
			UpdatedUser: &departed,
		}, clientID)
		return
	}
	snapshot := snapshotLocked(proj)
	t.mu.Unlock()

	t.broadcast(projectID, protocol.PresenceData{
		Action:      protocol.PresenceLeave,
		Users:       snapshot,
		UpdatedUser: &departed,
	}, clientID)
}

// Update merges the non-null delta fields into the stored presence,
// refreshes lastSeen, and broadcasts to every peer but the updater.
func (t *Tracker) Update(projectID, clientID string, delta protocol.PresenceDelta) bool {
	t.mu.Lock()
	proj, ok := t.projects[projectID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	entry, ok := proj.entries[clientID]
	if !ok {
		t.mu.Unlock()
		return false
	}

	if delta.CursorPosition != nil {
		entry.CursorPosition = delta.CursorPosition
	}
	if delta.PlayheadPosition != nil {
		entry.PlayheadPosition = delta.PlayheadPosition
	}
	if delta.SelectedTrackID != nil {
		entry.SelectedTrackID = *delta.SelectedTrackID
	}
	if delta.SelectedClipIDs != nil {
		entry.SelectedClipIDs = *delta.SelectedClipIDs
	}
	if delta.Activity != nil {
		entry.Activity = *delta.Activity
	}
	entry.LastSeen = t.now()

	updated := *entry
	snapshot := snapshotLocked(proj)
	t.mu.Unlock()

	t.broadcast(projectID, protocol.PresenceData{
		Action:      protocol.PresenceUpdate,
		Users:       snapshot,
		UpdatedUser: &updated,
	}, clientID)
	return true
}

// Touch refreshes lastSeen without broadcasting (pings, event activity).
func (t *Tracker) Touch(projectID, clientID string) {
	t.mu.Lock()
	if proj, ok := t.projects[projectID]; ok {
		if entry, ok := proj.entries[clientID]; ok {
			entry.LastSeen = t.now()
		}
	}
	t.mu.Unlock()
}

// Snapshot returns the project's members sorted by join time.
func (t *Tracker) Snapshot(projectID string) []protocol.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	proj, ok := t.projects[projectID]
	if !ok {
		return []protocol.Presence{}
	}
	return snapshotLocked(proj)
}

// CleanupStale removes every entry idle past the stale threshold, with
// reason "timeout". Returns the number of entries removed.
func (t *Tracker) CleanupStale(now time.Time) int {
	type victim struct {
		projectID string
		clientID  string
	}
	cutoff := now.Add(-t.staleAfter)

	t.mu.Lock()
	var victims []victim
	for projectID, proj := range t.projects {
		for clientID, entry := range proj.entries {
			if entry.LastSeen.Before(cutoff) {
				victims = append(victims, victim{projectID, clientID})
			}
		}
	}
	t.mu.Unlock()

	for _, v := range victims {
		t.Leave(v.projectID, v.clientID, protocol.ReleaseTimeout)
	}
	return len(victims)
}

func snapshotLocked(proj *projectPresence) []protocol.Presence {
	out := make([]protocol.Presence, 0, len(proj.entries))
	for _, entry := range proj.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (t *Tracker) broadcast(projectID string, data protocol.PresenceData, senderClientID string) {
	t.bc.Broadcast(projectID, protocol.Marshal(protocol.TypePresence, data), session.BroadcastOptions{
		SenderClientID: senderClientID,
	})
}
