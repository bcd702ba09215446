package offline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/syncx"
)

func update(key string, ts int64) model.QueuedUpdate {
	return model.QueuedUpdate{
		UserID:     "u1",
		InstanceID: "dev-2",
		Key:        key,
		Value:      json.RawMessage(`1`),
		Timestamp:  ts,
	}
}

func TestQueueNewestFirst(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	m.QueueUpdate(update("a", now-30))
	m.QueueUpdate(update("b", now-20))
	m.QueueUpdate(update("c", now-10))

	got := m.PendingUpdates("u1", "dev-2", 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"c", "b", "a"} {
		if got[i].Key != want {
			t.Errorf("got[%d].Key = %s, want %s", i, got[i].Key, want)
		}
	}
}

func TestQueueSizeCap(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	for i := 0; i < MaxQueueSize+25; i++ {
		m.QueueUpdate(update(fmt.Sprintf("k%d", i), now+int64(i)))
	}

	got := m.PendingUpdates("u1", "dev-2", 0)
	if len(got) != MaxQueueSize {
		t.Fatalf("len = %d, want %d", len(got), MaxQueueSize)
	}
	// Newest survives, oldest entries were trimmed.
	if got[0].Key != fmt.Sprintf("k%d", MaxQueueSize+24) {
		t.Errorf("newest = %s", got[0].Key)
	}
	if got[len(got)-1].Key != "k25" {
		t.Errorf("oldest kept = %s, want k25", got[len(got)-1].Key)
	}
}

func TestQueueSinceFilter(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	m.QueueUpdate(update("old", now-100))
	m.QueueUpdate(update("new", now-10))

	got := m.PendingUpdates("u1", "dev-2", now-50)
	if len(got) != 1 || got[0].Key != "new" {
		t.Fatalf("got %v, want just the newer entry", got)
	}

	// The filter is a view; nothing was dropped.
	if all := m.PendingUpdates("u1", "dev-2", 0); len(all) != 2 {
		t.Errorf("queue len = %d after filtered read, want 2", len(all))
	}
}

func TestQueueAgeEviction(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	m.QueueUpdate(update("expired", now-2*MaxAge.Milliseconds()))
	m.QueueUpdate(update("live", now))

	got := m.PendingUpdates("u1", "dev-2", 0)
	if len(got) != 1 || got[0].Key != "live" {
		t.Fatalf("got %v, want only the live entry", got)
	}
}

func TestQueueRemovalDropsValue(t *testing.T) {
	m := NewManager()
	u := update("gone", syncx.NowMs())
	m.QueueRemoval(u)

	got := m.PendingUpdates("u1", "dev-2", 0)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Type != model.UpdateRemove {
		t.Errorf("type = %s, want remove", got[0].Type)
	}
	if got[0].Value != nil {
		t.Errorf("value = %s, want nil", got[0].Value)
	}
}

func TestClearQueue(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	m.QueueUpdate(update("a", now))
	other := update("b", now)
	other.InstanceID = "dev-3"
	m.QueueUpdate(other)

	if n := m.ClearQueue("u1", "dev-2"); n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	if got := m.PendingUpdates("u1", "dev-3", 0); len(got) != 1 {
		t.Errorf("other instance queue disturbed: %v", got)
	}

	// Empty instance clears every queue of the user.
	m.QueueUpdate(update("c", now))
	if n := m.ClearQueue("u1", ""); n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
}

func TestSweep(t *testing.T) {
	m := NewManager()
	now := syncx.NowMs()

	m.QueueUpdate(update("expired", now-2*MaxAge.Milliseconds()))
	fresh := update("live", now)
	fresh.InstanceID = "dev-3"
	m.QueueUpdate(fresh)

	entries, queues := m.Sweep()
	if entries != 1 || queues != 1 {
		t.Errorf("sweep = (%d, %d), want (1, 1)", entries, queues)
	}
	if got := m.PendingUpdates("u1", "dev-3", 0); len(got) != 1 {
		t.Errorf("live queue disturbed: %v", got)
	}
}

func TestKnownInstances(t *testing.T) {
	m := NewManager()
	if got := m.KnownInstances("u1"); len(got) != 0 {
		t.Fatalf("expected none, got %v", got)
	}

	m.MarkSeen("u1", "dev-1")
	m.MarkSeen("u1", "dev-2")
	m.MarkSeen("u1", "dev-2") // idempotent
	m.MarkSeen("u2", "dev-9")

	got := m.KnownInstances("u1")
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 instances", got)
	}
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen["dev-1"] || !seen["dev-2"] {
		t.Errorf("got %v", got)
	}
}
