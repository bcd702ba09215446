package model

import (
	"encoding/json"
	"time"
)

// Session is one live device connection. (UserID, InstanceID,
// ConnectionID) is unique while the connection is open; the registry
// removes the session on disconnect and scavenges sessions whose
// LastActivity is older than the inactivity threshold.
type Session struct {
	UserID       string         `json:"userId"`
	InstanceID   string         `json:"instanceId"`
	ConnectionID string         `json:"connectionId"`
	ConnectedAt  time.Time      `json:"connectedAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// UpdateType discriminates queued updates.
type UpdateType string

const (
	UpdateSet    UpdateType = "set"
	UpdateRemove UpdateType = "remove"
)

// QueuedUpdate is a change buffered for a disconnected instance. Queues
// are newest-first, capped at 100 entries and one hour of age.
type QueuedUpdate struct {
	Type       UpdateType      `json:"type"`
	UserID     string          `json:"userId"`
	InstanceID string          `json:"instanceId"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Version    *int            `json:"version,omitempty"`
}
