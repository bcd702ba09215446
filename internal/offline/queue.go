// Package offline buffers updates for disconnected device instances.
// Each (user, instance) pair gets a newest-first queue bounded to 100
// entries and one hour of age; devices that have never connected are
// not queued for.
package offline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/model"
)

const (
	// MaxQueueSize caps each per-instance queue.
	MaxQueueSize = 100
	// MaxAge is the age bound; older entries are dropped on access and
	// by the maintenance sweep.
	MaxAge = time.Hour
)

type queueKey struct {
	userID     string
	instanceID string
}

// Manager owns the per-instance pending-update queues and the set of
// instances known to have connected at least once.
type Manager struct {
	mu     sync.Mutex
	queues map[queueKey][]model.QueuedUpdate
	seen   map[string]map[string]time.Time // userID -> instanceID -> last seen
}

// NewManager creates an empty queue manager.
func NewManager() *Manager {
	return &Manager{
		queues: make(map[queueKey][]model.QueuedUpdate),
		seen:   make(map[string]map[string]time.Time),
	}
}

// MarkSeen records that an instance of a user has connected. Only seen
// instances accumulate queued updates while offline.
func (m *Manager) MarkSeen(userID, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.seen[userID]
	if set == nil {
		set = make(map[string]time.Time)
		m.seen[userID] = set
	}
	set[instanceID] = time.Now()
}

// KnownInstances lists the instances of a user that have connected
// before, in no particular order.
func (m *Manager) KnownInstances(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.seen[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// QueueUpdate buffers a set for a disconnected instance.
func (m *Manager) QueueUpdate(u model.QueuedUpdate) {
	u.Type = model.UpdateSet
	m.enqueue(u)
}

// QueueRemoval buffers a remove for a disconnected instance.
func (m *Manager) QueueRemoval(u model.QueuedUpdate) {
	u.Type = model.UpdateRemove
	u.Value = nil
	m.enqueue(u)
}

func (m *Manager) enqueue(u model.QueuedUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{u.UserID, u.InstanceID}
	q := m.queues[k]
	// Newest first; trim to the size cap.
	q = append([]model.QueuedUpdate{u}, q...)
	if len(q) > MaxQueueSize {
		q = q[:MaxQueueSize]
	}
	m.queues[k] = q
}

// PendingUpdates snapshots the queue for (userID, instanceID),
// filtering out entries at or before `since` when since > 0, and
// opportunistically evicting age-expired entries.
func (m *Manager) PendingUpdates(userID, instanceID string, since int64) []model.QueuedUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := queueKey{userID, instanceID}
	q, ok := m.queues[k]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-MaxAge).UnixMilli()
	kept := q[:0]
	for _, u := range q {
		if u.Timestamp >= cutoff {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		delete(m.queues, k)
	} else {
		m.queues[k] = kept
	}

	out := make([]model.QueuedUpdate, 0, len(kept))
	for _, u := range kept {
		if since > 0 && u.Timestamp <= since {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ClearQueue drops the queue for one instance, or for every instance of
// the user when instanceID is empty. Returns the number of entries
// dropped.
func (m *Manager) ClearQueue(userID, instanceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	if instanceID != "" {
		k := queueKey{userID, instanceID}
		dropped = len(m.queues[k])
		delete(m.queues, k)
		return dropped
	}
	for k, q := range m.queues {
		if k.userID == userID {
			dropped += len(q)
			delete(m.queues, k)
		}
	}
	return dropped
}

// Sweep removes age-expired entries and empty queues. Called
// periodically by the scheduler; logs what it removed.
func (m *Manager) Sweep() (entriesRemoved, queuesRemoved int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-MaxAge).UnixMilli()
	for k, q := range m.queues {
		kept := q[:0]
		for _, u := range q {
			if u.Timestamp >= cutoff {
				kept = append(kept, u)
			}
		}
		entriesRemoved += len(q) - len(kept)
		if len(kept) == 0 {
			delete(m.queues, k)
			queuesRemoved++
		} else {
			m.queues[k] = kept
		}
	}

	if entriesRemoved > 0 || queuesRemoved > 0 {
		log.Debug().
			Int("entries", entriesRemoved).
			Int("queues", queuesRemoved).
			Msg("offline queue sweep")
	}
	return entriesRemoved, queuesRemoved
}
