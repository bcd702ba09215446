package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Domain events published after a successful command commits. Delivery
// is synchronous and at-least-once to in-process subscribers; handlers
// run on the caller's goroutine and must not block.

// ItemSyncedEvent is published after SetItem commits.
type ItemSyncedEvent struct {
	UserID     string          `json:"userId"`
	InstanceID string          `json:"instanceId"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Version    int             `json:"version"`
}

// ItemRemovedEvent is published after RemoveItem commits.
type ItemRemovedEvent struct {
	UserID     string `json:"userId"`
	InstanceID string `json:"instanceId"`
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`
}

// StorageClearedEvent is published after ClearStorage commits.
type StorageClearedEvent struct {
	UserID     string `json:"userId"`
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"`
}

// Bus fans typed events out to in-process subscribers. A panicking
// subscriber is logged and does not affect the others.
type Bus struct {
	mu      sync.RWMutex
	synced  []func(ItemSyncedEvent)
	removed []func(ItemRemovedEvent)
	cleared []func(StorageClearedEvent)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnItemSynced registers a subscriber for ItemSyncedEvent.
func (b *Bus) OnItemSynced(fn func(ItemSyncedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = append(b.synced, fn)
}

// OnItemRemoved registers a subscriber for ItemRemovedEvent.
func (b *Bus) OnItemRemoved(fn func(ItemRemovedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, fn)
}

// OnStorageCleared registers a subscriber for StorageClearedEvent.
func (b *Bus) OnStorageCleared(fn func(StorageClearedEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = append(b.cleared, fn)
}

// PublishItemSynced delivers the event to every subscriber.
func (b *Bus) PublishItemSynced(e ItemSyncedEvent) {
	b.mu.RLock()
	subs := b.synced
	b.mu.RUnlock()
	for _, fn := range subs {
		safeDeliver(func() { fn(e) })
	}
}

// PublishItemRemoved delivers the event to every subscriber.
func (b *Bus) PublishItemRemoved(e ItemRemovedEvent) {
	b.mu.RLock()
	subs := b.removed
	b.mu.RUnlock()
	for _, fn := range subs {
		safeDeliver(func() { fn(e) })
	}
}

// PublishStorageCleared delivers the event to every subscriber.
func (b *Bus) PublishStorageCleared(e StorageClearedEvent) {
	b.mu.RLock()
	subs := b.cleared
	b.mu.RUnlock()
	for _, fn := range subs {
		safeDeliver(func() { fn(e) })
	}
}

func safeDeliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	fn()
}
