// Package realtime tracks live device connections and fans committed
// changes out to sibling instances over websockets.
package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/model"
)

// Registry is the in-memory session registry: userId -> sessions, with
// a secondary index by connectionId. Process-local by design; see the
// Redis bridge for multi-process deployments.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]*model.Session
	byConn map[string]*model.Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string][]*model.Session),
		byConn: make(map[string]*model.Session),
	}
}

// Add registers a live session.
func (r *Registry) Add(sess *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[sess.UserID] = append(r.byUser[sess.UserID], sess)
	r.byConn[sess.ConnectionID] = sess
}

// Remove unregisters the session for a connection, returning it (nil if
// unknown).
func (r *Registry) Remove(connectionID string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byConn[connectionID]
	if !ok {
		return nil
	}
	delete(r.byConn, connectionID)
	r.removeFromUserLocked(sess)
	return sess
}

func (r *Registry) removeFromUserLocked(sess *model.Session) {
	list := r.byUser[sess.UserID]
	for i, s := range list {
		if s.ConnectionID == sess.ConnectionID {
			r.byUser[sess.UserID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byUser[sess.UserID]) == 0 {
		delete(r.byUser, sess.UserID)
	}
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byConn[connectionID]; ok {
		sess.LastActivity = time.Now().UTC()
	}
}

// SessionsOf snapshots the live sessions of a user.
func (r *Registry) SessionsOf(userID string) []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, *s)
	}
	return out
}

// InstancesOf lists the distinct instance ids of a user's live sessions.
func (r *Registry) InstancesOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range r.byUser[userID] {
		if _, dup := seen[s.InstanceID]; dup {
			continue
		}
		seen[s.InstanceID] = struct{}{}
		out = append(out, s.InstanceID)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// CleanupInactive scavenges sessions whose last activity is older than
// the threshold and returns them.
func (r *Registry) CleanupInactive(maxInactive time.Duration) []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxInactive)
	var removed []model.Session
	for connID, sess := range r.byConn {
		if sess.LastActivity.Before(cutoff) {
			delete(r.byConn, connID)
			r.removeFromUserLocked(sess)
			removed = append(removed, *sess)
		}
	}
	if len(removed) > 0 {
		log.Debug().Int("removed", len(removed)).Msg("scavenged inactive sessions")
	}
	return removed
}

// ScavengeInactive removes idle sessions and drops their connections
// from the hub in the same pass. Registry and hub membership must move
// together: a connection the registry has forgotten would otherwise
// keep receiving room traffic, including echoes of its own writes.
func ScavengeInactive(hub *Hub, reg *Registry, maxInactive time.Duration) int {
	removed := reg.CleanupInactive(maxInactive)
	for _, sess := range removed {
		hub.Drop(sess.ConnectionID)
	}
	return len(removed)
}
