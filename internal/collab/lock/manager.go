// SPDX-License-Identifier: MIT

// Package lock implements exclusive resource leases: short TTLs refreshed by
// heartbeats, a hard cap on total hold time, and release on disconnect.
package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/collab/protocol"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/metrics"
)

// Broadcaster is the slice of the session registry the manager needs.
type Broadcaster interface {
	Broadcast(projectID string, frame []byte, opts session.BroadcastOptions) int
}

// Holder identifies who acquires or releases a lock.
type Holder struct {
	UserID      string
	ClientID    string
	DisplayName string
	// Reason is the client's freeform note on why it wants the resource,
	// shown to whoever hits the conflict.
	Reason string
}

type lockKey struct {
	resourceType protocol.ResourceType
	resourceID   string
}

type projectLocks struct {
	locks map[lockKey]*protocol.Lock
}

// Manager is the process-wide lock table, partitioned by project.
type Manager struct {
	ttl    time.Duration
	maxAge time.Duration
	bc     Broadcaster
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	projects map[string]*projectLocks
}

// NewManager creates a manager. ttl is how long a lease lives without a
// heartbeat; maxAge caps the total hold time regardless of heartbeats.
func NewManager(ttl, maxAge time.Duration, bc Broadcaster) *Manager {
	return &Manager{
		ttl:      ttl,
		maxAge:   maxAge,
		bc:       bc,
		now:      time.Now,
		logger:   log.WithComponent("lock"),
		projects: make(map[string]*projectLocks),
	}
}

// Acquire grants an exclusive lease on the resource. Re-acquiring a lock the
// client already holds extends the lease. On conflict the current holder is
// returned so the caller can surface who is blocking.
func (m *Manager) Acquire(projectID string, resourceType protocol.ResourceType, resourceID string, holder Holder) (granted *protocol.Lock, heldBy *protocol.Lock) {
	now := m.now()
	key := lockKey{resourceType, resourceID}

	m.mu.Lock()
	proj, ok := m.projects[projectID]
	if !ok {
		proj = &projectLocks{locks: make(map[lockKey]*protocol.Lock)}
		m.projects[projectID] = proj
	}

	if existing, ok := proj.locks[key]; ok {
		if existing.HolderClientID != holder.ClientID {
			if existing.ExpiresAt.After(now) {
				conflicting := *existing
				m.mu.Unlock()
				return nil, &conflicting
			}
			// Expired but not yet swept; the new holder takes over.
			delete(proj.locks, key)
			metrics.LockReleased(string(protocol.ReleaseTimeout))
		} else {
			// Re-acquire extends the lease, capped by the max hold time.
			existing.ExpiresAt = m.leaseEnd(now, existing.AcquiredAt)
			extended := *existing
			locks := snapshotLocked(proj)
			m.mu.Unlock()
			m.broadcastChange(projectID, protocol.LockAcquired, &extended, "", locks)
			return &extended, nil
		}
	}

	lk := &protocol.Lock{
		LockID:            uuid.NewString(),
		ProjectID:         projectID,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		HolderUserID:      holder.UserID,
		HolderClientID:    holder.ClientID,
		HolderDisplayName: holder.DisplayName,
		Reason:            holder.Reason,
		AcquiredAt:        now,
		ExpiresAt:         m.leaseEnd(now, now),
	}
	proj.locks[key] = lk
	grantedCopy := *lk
	locks := snapshotLocked(proj)
	m.mu.Unlock()

	metrics.LockAcquired()
	m.logger.Debug().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldResourceType, string(resourceType)).
		Str(log.FieldResourceID, resourceID).
		Str(log.FieldClientID, holder.ClientID).
		Msg("lock acquired")

	m.broadcastChange(projectID, protocol.LockAcquired, &grantedCopy, "", locks)
	return &grantedCopy, nil
}

// leaseEnd computes the new expiry for a lease acquired at acquiredAt:
// now+ttl, but never past acquiredAt+maxAge.
func (m *Manager) leaseEnd(now, acquiredAt time.Time) time.Time {
	end := now.Add(m.ttl)
	if hardEnd := acquiredAt.Add(m.maxAge); end.After(hardEnd) {
		return hardEnd
	}
	return end
}

// Release drops the lease. Only the holding client may release; anyone else
// gets false.
func (m *Manager) Release(projectID string, resourceType protocol.ResourceType, resourceID, clientID string) bool {
	key := lockKey{resourceType, resourceID}

	m.mu.Lock()
	proj, ok := m.projects[projectID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	lk, ok := proj.locks[key]
	if !ok || lk.HolderClientID != clientID {
		m.mu.Unlock()
		return false
	}
	delete(proj.locks, key)
	released := *lk
	locks := snapshotLocked(proj)
	m.dropIfEmptyLocked(projectID, proj)
	m.mu.Unlock()

	metrics.LockReleased(string(protocol.ReleaseExplicit))
	m.broadcastChange(projectID, protocol.LockReleased, &released, protocol.ReleaseExplicit, locks)
	return true
}

// Heartbeat extends the lease the client holds on the resource. When the
// total hold time has reached the cap, the lock is force-released (reason
// timeout, broadcast to everyone including the holder) and false is returned.
func (m *Manager) Heartbeat(projectID string, resourceType protocol.ResourceType, resourceID, clientID string) (*protocol.Lock, bool) {
	now := m.now()
	key := lockKey{resourceType, resourceID}

	m.mu.Lock()
	proj, ok := m.projects[projectID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	lk, ok := proj.locks[key]
	if !ok || lk.HolderClientID != clientID {
		m.mu.Unlock()
		return nil, false
	}

	if !now.Before(lk.AcquiredAt.Add(m.maxAge)) {
		delete(proj.locks, key)
		expired := *lk
		locks := snapshotLocked(proj)
		m.dropIfEmptyLocked(projectID, proj)
		m.mu.Unlock()

		metrics.LockReleased(string(protocol.ReleaseTimeout))
		m.logger.Debug().
			Str(log.FieldProjectID, projectID).
			Str(log.FieldResourceID, resourceID).
			Str(log.FieldClientID, clientID).
			Msg("lock hit max hold time")
		m.broadcastChange(projectID, protocol.LockReleased, &expired, protocol.ReleaseTimeout, locks)
		return nil, false
	}

	lk.ExpiresAt = m.leaseEnd(now, lk.AcquiredAt)
	extended := *lk
	m.mu.Unlock()
	return &extended, true
}

// IsHeldBy reports whether clientID holds a live lease on the resource.
func (m *Manager) IsHeldBy(projectID string, resourceType protocol.ResourceType, resourceID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj, ok := m.projects[projectID]
	if !ok {
		return false
	}
	lk, ok := proj.locks[lockKey{resourceType, resourceID}]
	return ok && lk.HolderClientID == clientID && lk.ExpiresAt.After(m.now())
}

// ReleaseAllForClient drops every lease the client holds in the project,
// broadcasting each release with reason "disconnect".
func (m *Manager) ReleaseAllForClient(projectID, clientID string) int {
	m.mu.Lock()
	proj, ok := m.projects[projectID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	var released []protocol.Lock
	for key, lk := range proj.locks {
		if lk.HolderClientID == clientID {
			released = append(released, *lk)
			delete(proj.locks, key)
		}
	}
	locks := snapshotLocked(proj)
	m.dropIfEmptyLocked(projectID, proj)
	m.mu.Unlock()

	for i := range released {
		metrics.LockReleased(string(protocol.ReleaseDisconnect))
		m.broadcastChange(projectID, protocol.LockReleased, &released[i], protocol.ReleaseDisconnect, locks)
	}
	return len(released)
}

// CleanupExpired sweeps every project for leases past their expiry and
// releases them with reason "timeout". Returns the number released.
func (m *Manager) CleanupExpired(now time.Time) int {
	type expiredLock struct {
		projectID string
		lock      protocol.Lock
		remaining []protocol.Lock
	}

	m.mu.Lock()
	var expired []expiredLock
	for projectID, proj := range m.projects {
		for key, lk := range proj.locks {
			if !lk.ExpiresAt.After(now) {
				delete(proj.locks, key)
				expired = append(expired, expiredLock{projectID: projectID, lock: *lk})
			}
		}
	}
	for i := range expired {
		if proj, ok := m.projects[expired[i].projectID]; ok {
			expired[i].remaining = snapshotLocked(proj)
			m.dropIfEmptyLocked(expired[i].projectID, proj)
		} else {
			expired[i].remaining = []protocol.Lock{}
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		metrics.LockReleased(string(protocol.ReleaseTimeout))
		m.logger.Debug().
			Str(log.FieldProjectID, e.projectID).
			Str(log.FieldResourceID, e.lock.ResourceID).
			Msg("lease expired")
		m.broadcastChange(e.projectID, protocol.LockReleased, &e.lock, protocol.ReleaseTimeout, e.remaining)
	}
	return len(expired)
}

// Snapshot returns every live lock of the project.
func (m *Manager) Snapshot(projectID string) []protocol.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj, ok := m.projects[projectID]
	if !ok {
		return []protocol.Lock{}
	}
	return snapshotLocked(proj)
}

func (m *Manager) dropIfEmptyLocked(projectID string, proj *projectLocks) {
	if len(proj.locks) == 0 {
		delete(m.projects, projectID)
	}
}

func snapshotLocked(proj *projectLocks) []protocol.Lock {
	out := make([]protocol.Lock, 0, len(proj.locks))
	for _, lk := range proj.locks {
		out = append(out, *lk)
	}
	return out
}

// broadcastChange fans out a lock message with the changed lock and the full
// remaining table so clients never drift. Lock state changes go to every
// member including the acting client: the lock_response answers the request,
// the broadcast is the authoritative table update.
func (m *Manager) broadcastChange(projectID, action string, changed *protocol.Lock, reason protocol.ReleaseReason, locks []protocol.Lock) {
	data := protocol.LockData{
		Action:      action,
		Locks:       locks,
		ChangedLock: changed,
		Reason:      reason,
	}
	m.bc.Broadcast(projectID, protocol.Marshal(protocol.TypeLock, data), session.BroadcastOptions{
		EchoToSender: true,
	})
}
