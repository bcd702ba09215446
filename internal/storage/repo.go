// Package storage persists versioned items with soft-delete semantics.
// The upsert is the single linearization point for writes on a
// (user, key) pair: the version bump happens inside the SQL statement so
// concurrent writers can never produce diverging versions.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DBTX is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so repository methods can run inside a caller-owned transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo is the Postgres-backed item repository.
type Repo struct {
	DB *pgxpool.Pool
}

// NewRepo creates a new item repository.
func NewRepo(db *pgxpool.Pool) *Repo {
	return &Repo{DB: db}
}

const itemColumns = `id, user_id, key, value, metadata, version, ts, last_modified, instance_id, size, is_deleted`

// UpsertData carries the fields a write sets on an item. Version is
// assigned by the database, not the caller.
type UpsertData struct {
	UserID     string
	Key        string
	Value      json.RawMessage
	Metadata   map[string]any
	Timestamp  int64
	InstanceID string
}

// FindByKey returns the live item for (userID, key), or nil if absent.
// Soft-deleted items are reported absent.
func (r *Repo) FindByKey(ctx context.Context, userID, key string) (*Item, error) {
	return findByKey(ctx, r.DB, userID, key)
}

// FindByKeyTx is FindByKey inside a caller-owned transaction, used by
// conflict detection to observe the same snapshot as the upsert.
func (r *Repo) FindByKeyTx(ctx context.Context, q DBTX, userID, key string) (*Item, error) {
	return findByKey(ctx, q, userID, key)
}

func findByKey(ctx context.Context, q DBTX, userID, key string) (*Item, error) {
	row := q.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM sync_item
		WHERE user_id = $1 AND key = $2 AND is_deleted = false
	`, userID, key)

	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

// FindAll returns the user's live items ordered by timestamp descending,
// optionally filtered by key prefix.
func (r *Repo) FindAll(ctx context.Context, userID, prefix string) ([]Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM sync_item
		WHERE user_id = $1 AND is_deleted = false
	`
	args := []any{userID}
	if prefix != "" {
		query += ` AND key LIKE $2 || '%'`
		args = append(args, prefix)
	}
	query += ` ORDER BY ts DESC`

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to query items")
		return nil, err
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// FindKeys returns the user's live keys ordered lexicographically
// ascending, optionally filtered by prefix.
func (r *Repo) FindKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	query := `SELECT key FROM sync_item WHERE user_id = $1 AND is_deleted = false`
	args := []any{userID}
	if prefix != "" {
		query += ` AND key LIKE $2 || '%'`
		args = append(args, prefix)
	}
	query += ` ORDER BY key ASC`

	rows, err := r.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertTx inserts or updates the item for (UserID, Key) atomically.
// On update the version increments by one and the soft-delete flag is
// cleared, so a delete followed by an upsert resurrects the item with
// version = previous + 1. Size is the UTF-8 byte length of the value.
func (r *Repo) UpsertTx(ctx context.Context, q DBTX, data UpsertData) (*Item, error) {
	metadata := data.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	row := q.QueryRow(ctx, `
		INSERT INTO sync_item (id, user_id, key, value, metadata, version, ts, last_modified, instance_id, size, is_deleted)
		VALUES ($1, $2, $3, $4, $5, 1, $6, now(), $7, $8, false)
		ON CONFLICT (user_id, key) DO UPDATE SET
			value         = EXCLUDED.value,
			metadata      = EXCLUDED.metadata,
			version       = sync_item.version + 1,
			ts            = EXCLUDED.ts,
			last_modified = now(),
			instance_id   = EXCLUDED.instance_id,
			size          = EXCLUDED.size,
			is_deleted    = false
		RETURNING `+itemColumns,
		uuid.New(), data.UserID, data.Key, data.Value, metadata,
		data.Timestamp, data.InstanceID, len(data.Value))

	item, err := scanItem(row)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("userId", data.UserID).Str("key", data.Key).
			Msg("failed to upsert item")
		return nil, err
	}
	return item, nil
}

// DeleteTx soft-deletes the item. No-op (returns false) if the item is
// absent or already deleted.
func (r *Repo) DeleteTx(ctx context.Context, q DBTX, userID, key string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE sync_item
		SET is_deleted = true, last_modified = now()
		WHERE user_id = $1 AND key = $2 AND is_deleted = false
	`, userID, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClearAllTx soft-deletes every live item for the user in one statement.
func (r *Repo) ClearAllTx(ctx context.Context, q DBTX, userID string) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE sync_item
		SET is_deleted = true, last_modified = now()
		WHERE user_id = $1 AND is_deleted = false
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of live items for the user.
func (r *Repo) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx,
		`SELECT count(*) FROM sync_item WHERE user_id = $1 AND is_deleted = false`,
		userID).Scan(&n)
	return n, err
}

// Exists reports whether a live item exists for (userID, key).
func (r *Repo) Exists(ctx context.Context, userID, key string) (bool, error) {
	var exists bool
	err := r.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sync_item WHERE user_id = $1 AND key = $2 AND is_deleted = false)`,
		userID, key).Scan(&exists)
	return exists, err
}

// Stats summarizes the user's storage footprint.
func (r *Repo) Stats(ctx context.Context, userID string) (*StorageStats, error) {
	var s StorageStats
	err := r.DB.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE NOT is_deleted),
			count(*) FILTER (WHERE is_deleted),
			COALESCE(sum(size) FILTER (WHERE NOT is_deleted), 0),
			COALESCE(min(ts) FILTER (WHERE NOT is_deleted), 0),
			COALESCE(max(ts) FILTER (WHERE NOT is_deleted), 0)
		FROM sync_item
		WHERE user_id = $1
	`, userID).Scan(&s.ItemCount, &s.DeletedCount, &s.TotalBytes, &s.OldestTs, &s.NewestTs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Cleanup hard-deletes soft-deleted rows whose last modification is
// older than the cutoff. Returns the number of rows removed.
func (r *Repo) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := r.DB.Exec(ctx, `
		DELETE FROM sync_item
		WHERE is_deleted = true AND last_modified < now() - $1::interval
	`, maxAge.String())
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n > 0 {
		log.Ctx(ctx).Info().Int64("removed", n).Msg("cleaned up soft-deleted items")
	}
	return n, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	var metadata map[string]any
	if err := row.Scan(
		&item.ID, &item.UserID, &item.Key, &item.Value, &metadata,
		&item.Version, &item.Timestamp, &item.LastModified,
		&item.InstanceID, &item.Size, &item.IsDeleted,
	); err != nil {
		return nil, err
	}
	item.Metadata = metadata
	return &item, nil
}
