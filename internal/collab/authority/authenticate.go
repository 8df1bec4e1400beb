// SPDX-License-Identifier: MIT

package authority

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
)

// Grant is a successful handshake authentication result.
type Grant struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	CanEdit     bool
	// ClientID is the effective client identity: the caller's hint when
	// non-empty, else a freshly generated UUID.
	ClientID string
}

// HandshakeError is a handshake-fatal failure. The transport closes the
// channel with status 4001 and the code as reason text.
type HandshakeError struct {
	Code protocol.ErrorCode
}

func (e *HandshakeError) Error() string {
	return string(e.Code)
}

// Authenticate verifies the token and resolves the caller's capabilities on
// the project. canEdit is true iff the user owns the project or holds an
// active editor/admin collaborator record.
func Authenticate(ctx context.Context, store AuthorityStore, token, projectID, clientIDHint string) (Grant, error) {
	if token == "" {
		return Grant{}, &HandshakeError{Code: protocol.CodeNoToken}
	}

	identity, err := store.VerifyBearerToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return Grant{}, &HandshakeError{Code: protocol.CodeBadToken}
		}
		return Grant{}, err
	}

	ownerID, err := store.ResolveProjectOwner(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return Grant{}, &HandshakeError{Code: protocol.CodeProjectNotFound}
		}
		return Grant{}, err
	}

	canEdit := ownerID == identity.UserID
	if !canEdit {
		role, err := store.ResolveCollaboratorRole(ctx, projectID, identity.UserID)
		switch {
		case errors.Is(err, ErrNotACollaborator):
			return Grant{}, &HandshakeError{Code: protocol.CodeNotCollaborator}
		case err != nil:
			return Grant{}, err
		}
		canEdit = role.CanEdit()
	}

	clientID := clientIDHint
	if clientID == "" {
		clientID = uuid.NewString()
	}

	return Grant{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		CanEdit:     canEdit,
		ClientID:    clientID,
	}, nil
}
