// SPDX-License-Identifier: MIT

package protocol

import "time"

// ResourceType names a lockable resource class.
type ResourceType string

const (
	ResourceClip      ResourceType = "clip"
	ResourceTrack     ResourceType = "track"
	ResourcePlugin    ResourceType = "plugin"
	ResourceSelection ResourceType = "selection"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceClip, ResourceTrack, ResourcePlugin, ResourceSelection:
		return true
	}
	return false
}

// ReleaseReason explains why a lock or presence entry went away.
type ReleaseReason string

const (
	ReleaseExplicit   ReleaseReason = "explicit"
	ReleaseTimeout    ReleaseReason = "timeout"
	ReleaseDisconnect ReleaseReason = "disconnect"
)

// Lock is an exclusive lease on one resource. At most one lock exists per
// (projectId, resourceType, resourceId).
type Lock struct {
	LockID            string       `json:"lockId"`
	ProjectID         string       `json:"projectId"`
	ResourceType      ResourceType `json:"resourceType"`
	ResourceID        string       `json:"resourceId"`
	HolderUserID      string       `json:"holderUserId"`
	HolderClientID    string       `json:"holderClientId"`
	HolderDisplayName string       `json:"holderDisplayName,omitempty"`
	AcquiredAt        time.Time    `json:"acquiredAt"`
	ExpiresAt         time.Time    `json:"expiresAt"`
	Reason            string       `json:"reason,omitempty"`
}
