package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorkv/mirrorkv/internal/db"
	"github.com/mirrorkv/mirrorkv/internal/syncx"
)

// getTestDB returns a connection to the test database
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL, 4)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func testUser() string {
	return "test-" + uuid.New().String()
}

func upsert(t *testing.T, r *Repo, userID, key, value string) *Item {
	t.Helper()
	item, err := r.UpsertTx(context.Background(), r.DB, UpsertData{
		UserID:     userID,
		Key:        key,
		Value:      json.RawMessage(value),
		Timestamp:  syncx.NowMs(),
		InstanceID: "test-dev",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return item
}

func TestUpsertVersioning(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	first := upsert(t, r, user, "settings", `{"theme":"dark"}`)
	if first.Version != 1 {
		t.Errorf("initial version = %d, want 1", first.Version)
	}
	if first.Size != len(`{"theme":"dark"}`) {
		t.Errorf("size = %d", first.Size)
	}

	second := upsert(t, r, user, "settings", `{"theme":"light"}`)
	if second.Version != 2 {
		t.Errorf("version after update = %d, want 2", second.Version)
	}
	if second.ID != first.ID {
		t.Errorf("update changed the row id")
	}

	got, err := r.FindByKey(ctx, user, "settings")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || string(got.Value) != `{"theme":"light"}` {
		t.Errorf("stored value = %v", got)
	}
}

func TestSoftDeleteAndResurrect(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	upsert(t, r, user, "settings", `1`)
	upsert(t, r, user, "settings", `2`)

	deleted, err := r.DeleteTx(ctx, r.DB, user, "settings")
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}

	// Deleted items read as absent.
	if got, err := r.FindByKey(ctx, user, "settings"); err != nil || got != nil {
		t.Fatalf("deleted item still visible: %v, %v", got, err)
	}

	// Deleting again is a no-op.
	if deleted, err := r.DeleteTx(ctx, r.DB, user, "settings"); err != nil || deleted {
		t.Fatalf("double delete = %v, %v", deleted, err)
	}

	// A new write resurrects the row with the version continuing.
	revived := upsert(t, r, user, "settings", `3`)
	if revived.Version != 3 {
		t.Errorf("resurrected version = %d, want 3", revived.Version)
	}
	if revived.IsDeleted {
		t.Error("resurrected item still flagged deleted")
	}
}

func TestFindAllAndKeysOrdering(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	base := syncx.NowMs()
	for i, key := range []string{"app.b", "app.a", "other.c"} {
		if _, err := r.UpsertTx(ctx, r.DB, UpsertData{
			UserID:     user,
			Key:        key,
			Value:      json.RawMessage(fmt.Sprintf(`%d`, i)),
			Timestamp:  base + int64(i),
			InstanceID: "test-dev",
		}); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}

	items, err := r.FindAll(ctx, user, "")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(items) != 3 || items[0].Key != "other.c" {
		t.Errorf("items newest-first: %v", items)
	}

	scoped, err := r.FindAll(ctx, user, "app.")
	if err != nil || len(scoped) != 2 {
		t.Fatalf("prefix filter = %d items, %v", len(scoped), err)
	}

	keys, err := r.FindKeys(ctx, user, "app.")
	if err != nil {
		t.Fatalf("find keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "app.a" || keys[1] != "app.b" {
		t.Errorf("keys = %v, want lexicographic", keys)
	}
}

func TestClearAllAndStats(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	upsert(t, r, user, "a", `"one"`)
	upsert(t, r, user, "b", `"two"`)

	stats, err := r.Stats(ctx, user)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ItemCount != 2 || stats.DeletedCount != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalBytes != int64(len(`"one"`)+len(`"two"`)) {
		t.Errorf("totalBytes = %d", stats.TotalBytes)
	}

	n, err := r.ClearAllTx(ctx, r.DB, user)
	if err != nil || n != 2 {
		t.Fatalf("clear = %d, %v", n, err)
	}

	stats, err = r.Stats(ctx, user)
	if err != nil {
		t.Fatalf("stats after clear: %v", err)
	}
	if stats.ItemCount != 0 || stats.DeletedCount != 2 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestExportImport(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	upsert(t, r, user, "keep", `{"a":1}`)
	upsert(t, r, user, "keep", `{"a":2}`) // version 2
	upsert(t, r, user, "gone", `true`)
	if _, err := r.DeleteTx(ctx, r.DB, user, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	dump, err := r.Export(ctx, user)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(dump) != 1 || dump[0].Key != "keep" || dump[0].Version != 2 {
		t.Fatalf("export = %+v", dump)
	}

	// Import into a fresh user preserves versions and timestamps.
	target := testUser()
	for i := range dump {
		dump[i].UserID = target
	}
	written, err := r.Import(ctx, dump)
	if err != nil || written != 1 {
		t.Fatalf("import = %d, %v", written, err)
	}

	got, err := r.FindByKey(ctx, target, "keep")
	if err != nil || got == nil {
		t.Fatalf("imported item missing: %v", err)
	}
	if got.Version != 2 || got.Timestamp != dump[0].Timestamp {
		t.Errorf("imported = %+v, want version/timestamp preserved", got)
	}
}

func TestCleanupHardDeletes(t *testing.T) {
	pool := getTestDB(t)
	r := NewRepo(pool)
	user := testUser()
	ctx := context.Background()

	item := upsert(t, r, user, "old", `1`)
	if _, err := r.DeleteTx(ctx, r.DB, user, "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Age the tombstone past the cutoff.
	if _, err := pool.Exec(ctx,
		`UPDATE sync_item SET last_modified = now() - interval '48 hours' WHERE id = $1`, item.ID); err != nil {
		t.Fatalf("age row: %v", err)
	}

	if _, err := r.Cleanup(ctx, 24*time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	stats, err := r.Stats(ctx, user)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DeletedCount != 0 {
		t.Errorf("tombstone survived cleanup: %+v", stats)
	}
}
