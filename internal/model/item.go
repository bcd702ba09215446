package model

import (
	"encoding/json"
	"time"
)

// Item is a single versioned key/value entry owned by one user.
// Identity is (UserID, Key); Version increases by exactly one on every
// accepted write. Timestamp is the caller-visible logical time in Unix
// milliseconds and is stored as a 64-bit integer because it can exceed
// the safe integer range of scripting-language floats.
type Item struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Version      int             `json:"version"`
	Timestamp    int64           `json:"timestamp"`
	LastModified time.Time       `json:"lastModified"`
	InstanceID   string          `json:"instanceId"`
	Size         int             `json:"size"` // UTF-8 byte length of the stored value encoding
	IsDeleted    bool            `json:"isDeleted"`
}

// ExportedItem is the wire form used by bulk export/import. Versions and
// timestamps are preserved verbatim across an export/import round trip.
type ExportedItem struct {
	UserID    string          `json:"userId"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// StorageStats summarizes a user's live footprint.
type StorageStats struct {
	ItemCount    int   `json:"itemCount"`
	DeletedCount int   `json:"deletedCount"`
	TotalBytes   int64 `json:"totalBytes"`
	OldestTs     int64 `json:"oldestTimestamp"`
	NewestTs     int64 `json:"newestTimestamp"`
}
