package storage

import "github.com/mirrorkv/mirrorkv/internal/model"

// Aliases for the shared domain types this package persists.
type (
	Item         = model.Item
	ExportedItem = model.ExportedItem
	StorageStats = model.StorageStats
)
