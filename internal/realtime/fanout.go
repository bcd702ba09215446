package realtime

import (
	"encoding/json"

	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/metrics"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/offline"
)

// Event names on the socket.
const (
	EventUpdate  = "sync:update"
	EventRemove  = "sync:remove"
	EventClear   = "sync:clear"
	EventPending = "pending-updates"
	EventStatus  = "connection:status"
)

// UpdatePayload is the body of sync:update / sync:remove events.
type UpdatePayload struct {
	Type      model.UpdateType `json:"type"`
	Key       string           `json:"key,omitempty"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Version   *int             `json:"version,omitempty"`
}

// FanOut subscribes to domain events and delivers them to sibling live
// instances, queues them for known offline instances, and mirrors them
// across processes when a bridge is configured.
type FanOut struct {
	Hub      *Hub
	Registry *Registry
	Queue    *offline.Manager
	Bridge   Broadcaster // nil in single-process mode
}

// NewFanOut wires the delivery side of the engine together.
func NewFanOut(hub *Hub, reg *Registry, queue *offline.Manager) *FanOut {
	return &FanOut{Hub: hub, Registry: reg, Queue: queue}
}

// Wire subscribes to the event bus. Events arrive on the committing
// goroutine, after the database transaction has committed.
func (f *FanOut) Wire(bus *dispatch.Bus) {
	bus.OnItemSynced(func(e dispatch.ItemSyncedEvent) { f.handleSynced(e, true) })
	bus.OnItemRemoved(func(e dispatch.ItemRemovedEvent) { f.handleRemoved(e, true) })
	bus.OnStorageCleared(func(e dispatch.StorageClearedEvent) { f.handleCleared(e, true) })
}

// excludeOrigin collects the connection ids belonging to the writing
// instance, so fan-out never echoes to the originating connection.
func (f *FanOut) excludeOrigin(userID, instanceID string) map[string]struct{} {
	exclude := make(map[string]struct{})
	for _, s := range f.Registry.SessionsOf(userID) {
		if s.InstanceID == instanceID {
			exclude[s.ConnectionID] = struct{}{}
		}
	}
	return exclude
}

func (f *FanOut) handleSynced(e dispatch.ItemSyncedEvent, local bool) {
	version := e.Version
	payload := UpdatePayload{
		Type:      model.UpdateSet,
		Key:       e.Key,
		Value:     e.Value,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
		Version:   &version,
	}

	exclude := f.excludeOrigin(e.UserID, e.InstanceID)
	n := f.Hub.EmitRoom(UserRoom(e.UserID), exclude, EventUpdate, payload)
	n += f.Hub.EmitRoom(KeyRoom(e.UserID, e.Key), exclude, EventUpdate, payload)
	metrics.FanoutMessages.Add(float64(n))

	f.queueForOffline(e.UserID, e.InstanceID, model.QueuedUpdate{
		UserID:    e.UserID,
		Key:       e.Key,
		Value:     e.Value,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
		Version:   &version,
	}, true)

	if local && f.Bridge != nil {
		f.Bridge.Publish(wireEvent{Kind: wireSynced, Synced: &e})
	}
}

func (f *FanOut) handleRemoved(e dispatch.ItemRemovedEvent, local bool) {
	payload := UpdatePayload{
		Type:      model.UpdateRemove,
		Key:       e.Key,
		Timestamp: e.Timestamp,
	}

	exclude := f.excludeOrigin(e.UserID, e.InstanceID)
	n := f.Hub.EmitRoom(UserRoom(e.UserID), exclude, EventRemove, payload)
	n += f.Hub.EmitRoom(KeyRoom(e.UserID, e.Key), exclude, EventRemove, payload)
	metrics.FanoutMessages.Add(float64(n))

	f.queueForOffline(e.UserID, e.InstanceID, model.QueuedUpdate{
		UserID:    e.UserID,
		Key:       e.Key,
		Timestamp: e.Timestamp,
	}, false)

	if local && f.Bridge != nil {
		f.Bridge.Publish(wireEvent{Kind: wireRemoved, Removed: &e})
	}
}

func (f *FanOut) handleCleared(e dispatch.StorageClearedEvent, local bool) {
	payload := UpdatePayload{Timestamp: e.Timestamp}
	exclude := f.excludeOrigin(e.UserID, e.InstanceID)
	n := f.Hub.EmitRoom(UserRoom(e.UserID), exclude, EventClear, payload)
	metrics.FanoutMessages.Add(float64(n))

	// A clear invalidates everything buffered for the user's instances.
	f.Queue.ClearQueue(e.UserID, "")

	if local && f.Bridge != nil {
		f.Bridge.Publish(wireEvent{Kind: wireCleared, Cleared: &e})
	}
}

// queueForOffline buffers the update for every known instance of the
// user that is neither the writer nor currently connected.
func (f *FanOut) queueForOffline(userID, originInstance string, u model.QueuedUpdate, isSet bool) {
	online := make(map[string]struct{})
	for _, id := range f.Registry.InstancesOf(userID) {
		online[id] = struct{}{}
	}
	for _, instance := range f.Queue.KnownInstances(userID) {
		if instance == originInstance {
			continue
		}
		if _, connected := online[instance]; connected {
			continue
		}
		target := u
		target.InstanceID = instance
		if isSet {
			f.Queue.QueueUpdate(target)
		} else {
			f.Queue.QueueRemoval(target)
		}
	}
}
