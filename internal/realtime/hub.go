package realtime

import "sync"

// Room names. Per-user and per-key delivery are logically separate
// channels; a client subscribed to both must dedupe by (key, version).
func UserRoom(userID string) string          { return "user:" + userID }
func InstanceRoom(instanceID string) string  { return "instance:" + instanceID }
func KeyRoom(userID, key string) string      { return "key:" + userID + ":" + key }

// Sender delivers one event to a connection without blocking. Send
// returns false when the message was dropped (slow or closed peer);
// dropped messages remain reachable through the offline queue. Close
// tears the underlying transport down; the hub calls it when a
// connection is dropped by the scavenger.
type Sender interface {
	Send(event string, payload any) bool
	Close()
}

// Hub maps connections to logical rooms and delivers events to room
// members.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Sender
	rooms map[string]map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]Sender),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register attaches a connection's sender to the hub.
func (h *Hub) Register(connID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = s
}

// Unregister detaches a connection and leaves all of its rooms.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Drop detaches a connection like Unregister and additionally closes
// its transport, so a scavenged connection cannot linger half-attached.
func (h *Hub) Drop(connID string) {
	h.mu.Lock()
	s := h.conns[connID]
	delete(h.conns, connID)
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Join adds the connection to a room.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

// Leave removes the connection from a room.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// EmitRoom delivers an event to every member of the room except the
// connections in exclude. Returns the number of deliveries attempted.
func (h *Hub) EmitRoom(room string, exclude map[string]struct{}, event string, payload any) int {
	h.mu.RLock()
	targets := make([]Sender, 0)
	for connID := range h.rooms[room] {
		if _, skip := exclude[connID]; skip {
			continue
		}
		if s, ok := h.conns[connID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Send(event, payload)
	}
	return len(targets)
}

// EmitConn delivers an event to a single connection.
func (h *Hub) EmitConn(connID, event string, payload any) bool {
	h.mu.RLock()
	s, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Send(event, payload)
}
