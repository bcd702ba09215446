// Package dispatch routes typed write commands and read queries to
// their handlers. Commands run in serializable database transactions
// and publish exactly one domain event after commit; queries run
// read-only against the pool.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/conflict"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/storage"
	"github.com/mirrorkv/mirrorkv/internal/syncx"
)

// txTimeout bounds every command transaction.
const txTimeout = 60 * time.Second

// Commands.

// SetItemCmd upserts one key for a user.
type SetItemCmd struct {
	UserID          string
	InstanceID      string
	Key             string
	Value           json.RawMessage
	Metadata        map[string]any
	ExpectedVersion *int
}

// RemoveItemCmd soft-deletes one key.
type RemoveItemCmd struct {
	UserID     string
	InstanceID string
	Key        string
}

// ClearStorageCmd soft-deletes everything a user stores.
type ClearStorageCmd struct {
	UserID     string
	InstanceID string
}

// Queries.

// GetItemQuery reads one live item.
type GetItemQuery struct {
	UserID string
	Key    string
}

// GetAllItemsQuery lists live items, optionally prefix-filtered.
type GetAllItemsQuery struct {
	UserID string
	Prefix string
}

// GetKeysQuery lists live keys, optionally prefix-filtered.
type GetKeysQuery struct {
	UserID string
	Prefix string
}

// SetItemResult is the outcome of a SetItem command. Conflict is non-nil
// when the write collided with the stored state; the item then holds the
// value produced by the configured strategy.
type SetItemResult struct {
	Item       *storage.Item         `json:"item"`
	Conflict   *model.ConflictRecord `json:"conflict,omitempty"`
	Resolution *conflict.Resolution  `json:"resolution,omitempty"`
}

// Dispatcher wires commands and queries to storage and the conflict
// engine, and publishes domain events after commits.
type Dispatcher struct {
	DB              *pgxpool.Pool
	Repo            *storage.Repo
	Conflicts       *conflict.Service
	Bus             *Bus
	DefaultStrategy model.Strategy
}

// New creates a dispatcher with the last-write-wins default strategy.
func New(db *pgxpool.Pool, repo *storage.Repo, conflicts *conflict.Service, bus *Bus) *Dispatcher {
	return &Dispatcher{
		DB:              db,
		Repo:            repo,
		Conflicts:       conflicts,
		Bus:             bus,
		DefaultStrategy: model.StrategyLastWriteWins,
	}
}

// SetItem runs the write pipeline: detect conflicts against the stored
// item, resolve with the default strategy, upsert, record the conflict
// (status pending) in the same transaction, and publish ItemSynced
// after commit. The write never blocks on an unresolved conflict; with
// strategy=manual the envelope value is stored and the record stays
// pending.
func (d *Dispatcher) SetItem(ctx context.Context, cmd SetItemCmd) (*SetItemResult, error) {
	if cmd.UserID == "" || cmd.InstanceID == "" {
		return nil, apperr.New(apperr.Validation, "userId and instanceId are required")
	}
	if cmd.Key == "" {
		return nil, apperr.New(apperr.Validation, "key is required")
	}
	if len(cmd.Value) == 0 || !json.Valid(cmd.Value) {
		return nil, apperr.New(apperr.Validation, "value must be valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	current, err := d.Repo.FindByKeyTx(ctx, tx, cmd.UserID, cmd.Key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to load current item", err)
	}

	now := time.Now().UTC()
	timestamp := now.UnixMilli()

	detection := conflict.Detect(current, conflict.Incoming{
		Value:           cmd.Value,
		ExpectedVersion: cmd.ExpectedVersion,
		InstanceID:      cmd.InstanceID,
		Timestamp:       timestamp,
	}, now)

	storeValue := cmd.Value
	storeMeta := cmd.Metadata
	var res *conflict.Resolution
	if detection != nil {
		r := conflict.Resolve(d.DefaultStrategy,
			conflict.Side{Value: current.Value, Metadata: current.Metadata, Timestamp: current.Timestamp},
			conflict.Side{Value: cmd.Value, Metadata: cmd.Metadata, Timestamp: timestamp})
		res = &r
		storeValue = r.Value
		storeMeta = r.Metadata
	}

	item, err := d.Repo.UpsertTx(ctx, tx, storage.UpsertData{
		UserID:     cmd.UserID,
		Key:        cmd.Key,
		Value:      storeValue,
		Metadata:   storeMeta,
		Timestamp:  timestamp,
		InstanceID: cmd.InstanceID,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to upsert item", err)
	}

	var record *model.ConflictRecord
	if detection != nil {
		record = &model.ConflictRecord{
			ItemID:           item.ID,
			UserID:           cmd.UserID,
			Type:             detection.Type,
			OriginalValue:    current.Value,
			ConflictingValue: cmd.Value,
			Strategy:         d.DefaultStrategy,
			Reason:           res.Reason,
			Confidence:       res.Confidence,
		}
		if err := d.Conflicts.CreateTx(ctx, tx, record); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "failed to record conflict", err)
		}
		log.Ctx(ctx).Warn().
			Str("userId", cmd.UserID).
			Str("key", cmd.Key).
			Str("conflictType", string(detection.Type)).
			Str("strategy", string(d.DefaultStrategy)).
			Msg("conflict detected on write")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to commit write", err)
	}

	d.Bus.PublishItemSynced(ItemSyncedEvent{
		UserID:     cmd.UserID,
		InstanceID: cmd.InstanceID,
		Key:        cmd.Key,
		Value:      item.Value,
		Metadata:   item.Metadata,
		Timestamp:  item.Timestamp,
		Version:    item.Version,
	})

	return &SetItemResult{Item: item, Conflict: record, Resolution: res}, nil
}

// RemoveItem soft-deletes one key and publishes ItemRemoved. Removing an
// absent or already-deleted key is a no-op that still succeeds.
func (d *Dispatcher) RemoveItem(ctx context.Context, cmd RemoveItemCmd) error {
	if cmd.UserID == "" || cmd.InstanceID == "" {
		return apperr.New(apperr.Validation, "userId and instanceId are required")
	}
	if cmd.Key == "" {
		return apperr.New(apperr.Validation, "key is required")
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	removed, err := d.Repo.DeleteTx(ctx, tx, cmd.UserID, cmd.Key)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to delete item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to commit delete", err)
	}

	if removed {
		d.Bus.PublishItemRemoved(ItemRemovedEvent{
			UserID:     cmd.UserID,
			InstanceID: cmd.InstanceID,
			Key:        cmd.Key,
			Timestamp:  syncx.NowMs(),
		})
	}
	return nil
}

// ClearStorage soft-deletes all of the user's live items and publishes
// StorageCleared.
func (d *Dispatcher) ClearStorage(ctx context.Context, cmd ClearStorageCmd) (int64, error) {
	if cmd.UserID == "" || cmd.InstanceID == "" {
		return 0, apperr.New(apperr.Validation, "userId and instanceId are required")
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := d.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	cleared, err := d.Repo.ClearAllTx(ctx, tx, cmd.UserID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "failed to clear storage", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "failed to commit clear", err)
	}

	d.Bus.PublishStorageCleared(StorageClearedEvent{
		UserID:     cmd.UserID,
		InstanceID: cmd.InstanceID,
		Timestamp:  syncx.NowMs(),
	})
	return cleared, nil
}

// GetItem reads one live item; returns nil when absent (the caller maps
// that to its transport's not-found shape).
func (d *Dispatcher) GetItem(ctx context.Context, q GetItemQuery) (*storage.Item, error) {
	if q.UserID == "" || q.Key == "" {
		return nil, apperr.New(apperr.Validation, "userId and key are required")
	}
	return d.Repo.FindByKey(ctx, q.UserID, q.Key)
}

// GetAllItems lists live items newest-first.
func (d *Dispatcher) GetAllItems(ctx context.Context, q GetAllItemsQuery) ([]storage.Item, error) {
	if q.UserID == "" {
		return nil, apperr.New(apperr.Validation, "userId is required")
	}
	return d.Repo.FindAll(ctx, q.UserID, q.Prefix)
}

// GetKeys lists live keys in lexicographic order.
func (d *Dispatcher) GetKeys(ctx context.Context, q GetKeysQuery) ([]string, error) {
	if q.UserID == "" {
		return nil, apperr.New(apperr.Validation, "userId is required")
	}
	return d.Repo.FindKeys(ctx, q.UserID, q.Prefix)
}
