package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Export dumps all live items for a user, preserving versions and
// timestamps so an import restores the exact same set.
func (r *Repo) Export(ctx context.Context, userID string) ([]ExportedItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT user_id, key, value, metadata, version, ts
		FROM sync_item
		WHERE user_id = $1 AND is_deleted = false
		ORDER BY key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]ExportedItem, 0)
	for rows.Next() {
		var it ExportedItem
		var metadata map[string]any
		if err := rows.Scan(&it.UserID, &it.Key, &it.Value, &metadata, &it.Version, &it.Timestamp); err != nil {
			return nil, err
		}
		it.Metadata = metadata
		items = append(items, it)
	}
	return items, rows.Err()
}

// Import bulk-upserts previously exported items, keeping their original
// versions and timestamps instead of assigning new ones. Runs in a
// single transaction; returns the number of rows written.
func (r *Repo) Import(ctx context.Context, items []ExportedItem) (int, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	written := 0
	for _, it := range items {
		metadata := it.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_item (id, user_id, key, value, metadata, version, ts, last_modified, instance_id, size, is_deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), '', $8, false)
			ON CONFLICT (user_id, key) DO UPDATE SET
				value         = EXCLUDED.value,
				metadata      = EXCLUDED.metadata,
				version       = EXCLUDED.version,
				ts            = EXCLUDED.ts,
				last_modified = now(),
				size          = EXCLUDED.size,
				is_deleted    = false
		`, uuid.New(), it.UserID, it.Key, it.Value, metadata, it.Version, it.Timestamp, len(it.Value))
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("key", it.Key).Msg("failed to import item")
			return written, err
		}
		written++
	}

	if err := tx.Commit(ctx); err != nil {
		return written, err
	}
	return written, nil
}
