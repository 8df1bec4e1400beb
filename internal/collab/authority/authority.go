// SPDX-License-Identifier: MIT

// Package authority resolves bearer tokens and project roles. The realtime
// core only ever talks to the narrow AuthorityStore interface; the relational
// world behind it stays out of the coordination plane.
package authority

import (
	"context"
	"errors"
)

// Role is a collaborator's role on a project.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// CanEdit reports whether the role permits timeline edits.
func (r Role) CanEdit() bool {
	return r == RoleEditor || r == RoleAdmin
}

// Identity is the resolved owner of a bearer token.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Store lookup failures. Implementations return these sentinels so the
// adapter can map them onto handshake error codes.
var (
	ErrTokenInvalid     = errors.New("authority: token invalid or expired")
	ErrProjectNotFound  = errors.New("authority: project not found")
	ErrNotACollaborator = errors.New("authority: user is not a collaborator")
)

// AuthorityStore is the narrow interface to the relational world. Calls may
// do I/O; the server invokes them only during the handshake, never under a
// session lock.
type AuthorityStore interface {
	// VerifyBearerToken resolves an opaque token to an identity.
	VerifyBearerToken(ctx context.Context, token string) (Identity, error)
	// ResolveProjectOwner returns the owning user ID of a project.
	ResolveProjectOwner(ctx context.Context, projectID string) (string, error)
	// ResolveCollaboratorRole returns the user's active role on a project,
	// or ErrNotACollaborator.
	ResolveCollaboratorRole(ctx context.Context, projectID, userID string) (Role, error)
}
