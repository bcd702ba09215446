package realtime

import (
	"testing"
	"time"

	"github.com/mirrorkv/mirrorkv/internal/model"
)

func session(user, instance, conn string) *model.Session {
	now := time.Now().UTC()
	return &model.Session{
		UserID:       user,
		InstanceID:   instance,
		ConnectionID: conn,
		ConnectedAt:  now,
		LastActivity: now,
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	r.Add(session("u1", "dev-1", "c1"))
	r.Add(session("u1", "dev-2", "c2"))
	r.Add(session("u2", "dev-9", "c3"))

	if r.Count() != 3 {
		t.Fatalf("count = %d, want 3", r.Count())
	}
	if got := r.SessionsOf("u1"); len(got) != 2 {
		t.Errorf("sessions of u1 = %d, want 2", len(got))
	}

	removed := r.Remove("c1")
	if removed == nil || removed.InstanceID != "dev-1" {
		t.Fatalf("removed = %v", removed)
	}
	if r.Remove("c1") != nil {
		t.Error("double remove returned a session")
	}
	if got := r.SessionsOf("u1"); len(got) != 1 || got[0].ConnectionID != "c2" {
		t.Errorf("sessions of u1 after remove = %v", got)
	}
}

func TestRegistryInstancesOfDedupes(t *testing.T) {
	r := NewRegistry()
	// Two tabs of the same device.
	r.Add(session("u1", "dev-1", "c1"))
	r.Add(session("u1", "dev-1", "c2"))
	r.Add(session("u1", "dev-2", "c3"))

	got := r.InstancesOf("u1")
	if len(got) != 2 {
		t.Fatalf("instances = %v, want 2 distinct", got)
	}
}

func TestRegistryCleanupInactive(t *testing.T) {
	r := NewRegistry()
	stale := session("u1", "dev-1", "c1")
	stale.LastActivity = time.Now().UTC().Add(-time.Hour)
	r.Add(stale)
	r.Add(session("u1", "dev-2", "c2"))

	removed := r.CleanupInactive(30 * time.Minute)
	if len(removed) != 1 || removed[0].ConnectionID != "c1" {
		t.Fatalf("removed = %v, want c1", removed)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
	if got := r.SessionsOf("u1"); len(got) != 1 || got[0].ConnectionID != "c2" {
		t.Errorf("surviving sessions = %v", got)
	}
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	s := session("u1", "dev-1", "c1")
	s.LastActivity = time.Now().UTC().Add(-time.Hour)
	r.Add(s)

	r.Touch("c1")
	if removed := r.CleanupInactive(30 * time.Minute); len(removed) != 0 {
		t.Errorf("touched session was scavenged")
	}
}

func TestScavengeInactiveDropsConnection(t *testing.T) {
	hub := NewHub()
	r := NewRegistry()

	stale := session("u1", "dev-1", "c1")
	stale.LastActivity = time.Now().UTC().Add(-time.Hour)
	r.Add(stale)
	staleSender := &fakeSender{}
	hub.Register("c1", staleSender)
	hub.Join("c1", UserRoom("u1"))

	r.Add(session("u1", "dev-2", "c2"))
	liveSender := &fakeSender{}
	hub.Register("c2", liveSender)
	hub.Join("c2", UserRoom("u1"))

	if n := ScavengeInactive(hub, r, 30*time.Minute); n != 1 {
		t.Fatalf("scavenged = %d, want 1", n)
	}

	// The stale connection is closed and out of its rooms; the live
	// one is untouched.
	if !staleSender.isClosed() {
		t.Error("scavenged connection was not closed")
	}
	if liveSender.isClosed() {
		t.Error("live connection was closed")
	}
	if n := hub.EmitRoom(UserRoom("u1"), nil, EventUpdate, nil); n != 1 {
		t.Errorf("room deliveries after scavenge = %d, want 1", n)
	}
	if staleSender.count() != 0 {
		t.Error("scavenged connection still receives room traffic")
	}
}
