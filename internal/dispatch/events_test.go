package dispatch

import (
	"encoding/json"
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	var first, second []string

	b.OnItemSynced(func(e ItemSyncedEvent) { first = append(first, e.Key) })
	b.OnItemSynced(func(e ItemSyncedEvent) { second = append(second, e.Key) })

	b.PublishItemSynced(ItemSyncedEvent{UserID: "u1", Key: "settings", Value: json.RawMessage(`1`)})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(first), len(second))
	}
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	b := NewBus()
	var delivered bool

	b.OnItemRemoved(func(ItemRemovedEvent) { panic("boom") })
	b.OnItemRemoved(func(ItemRemovedEvent) { delivered = true })

	b.PublishItemRemoved(ItemRemovedEvent{UserID: "u1", Key: "settings"})

	if !delivered {
		t.Fatal("panic in one subscriber blocked the next")
	}
}

func TestBusNoSubscribers(t *testing.T) {
	b := NewBus()
	// Publishing with nobody listening must be a no-op.
	b.PublishStorageCleared(StorageClearedEvent{UserID: "u1"})
}
