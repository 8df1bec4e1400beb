// SPDX-License-Identifier: MIT

package protocol

import "time"

// Activity describes what a collaborator is currently doing.
type Activity string

const (
	ActivityIdle      Activity = "idle"
	ActivityEditing   Activity = "editing"
	ActivityPlaying   Activity = "playing"
	ActivityRecording Activity = "recording"
	ActivityDragging  Activity = "dragging"
)

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool {
	switch a {
	case ActivityIdle, ActivityEditing, ActivityPlaying, ActivityRecording, ActivityDragging:
		return true
	}
	return false
}

// Presence is one collaborator's live state in a project, keyed by
// (projectId, clientId). Wire field names are camelCase to match the
// presence/lock message family.
type Presence struct {
	UserID           string    `json:"userId"`
	ClientID         string    `json:"clientId"`
	DisplayName      string    `json:"displayName"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	Color            string    `json:"color"`
	CursorPosition   *float64  `json:"cursorPosition,omitempty"`
	PlayheadPosition *float64  `json:"playheadPosition,omitempty"`
	SelectedTrackID  string    `json:"selectedTrackId,omitempty"`
	SelectedClipIDs  []string  `json:"selectedClipIds,omitempty"`
	Activity         Activity  `json:"activity"`
	LastSeen         time.Time `json:"lastSeen"`
	JoinedAt         time.Time `json:"joinedAt"`
}

// PresenceDelta carries the non-null fields of a presence update. Nil fields
// leave the stored value untouched.
type PresenceDelta struct {
	CursorPosition   *float64  `json:"cursorPosition,omitempty"`
	PlayheadPosition *float64  `json:"playheadPosition,omitempty"`
	SelectedTrackID  *string   `json:"selectedTrackId,omitempty"`
	SelectedClipIDs  *[]string `json:"selectedClipIds,omitempty"`
	Activity         *Activity `json:"activity,omitempty"`
}
