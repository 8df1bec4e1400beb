// SPDX-License-Identifier: MIT

package authority

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory AuthorityStore for tests and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	tokens        map[string]Identity        // token -> identity
	owners        map[string]string          // projectID -> ownerID
	collaborators map[string]map[string]Role // projectID -> userID -> role
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:        make(map[string]Identity),
		owners:        make(map[string]string),
		collaborators: make(map[string]map[string]Role),
	}
}

// AddToken registers a bearer token for an identity.
func (m *MemoryStore) AddToken(token string, identity Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = identity
}

// AddProject registers a project with its owner.
func (m *MemoryStore) AddProject(projectID, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[projectID] = ownerID
}

// AddCollaborator registers an active collaborator role.
func (m *MemoryStore) AddCollaborator(projectID, userID string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collaborators[projectID] == nil {
		m.collaborators[projectID] = make(map[string]Role)
	}
	m.collaborators[projectID][userID] = role
}

func (m *MemoryStore) VerifyBearerToken(_ context.Context, token string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.tokens[token]
	if !ok {
		return Identity{}, ErrTokenInvalid
	}
	return identity, nil
}

func (m *MemoryStore) ResolveProjectOwner(_ context.Context, projectID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ownerID, ok := m.owners[projectID]
	if !ok {
		return "", ErrProjectNotFound
	}
	return ownerID, nil
}

func (m *MemoryStore) ResolveCollaboratorRole(_ context.Context, projectID, userID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.collaborators[projectID][userID]
	if !ok {
		return "", ErrNotACollaborator
	}
	return role, nil
}

var _ AuthorityStore = (*MemoryStore)(nil)
