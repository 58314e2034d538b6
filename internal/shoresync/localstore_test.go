package shoresync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(LocalStoreOptions{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalStoreSetGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value := json.RawMessage(`{"id":"v-1","name":"RHIB 4"}`)
	if err := store.Set(ctx, "vessels", "v-1", value, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, err := store.Get(ctx, "vessels", "v-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != string(value) {
		t.Fatalf("value mismatch: got %s", entry.Value)
	}
	if entry.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", entry.ExpiresAt)
	}

	if err := store.Delete(ctx, "vessels", "v-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "vessels", "v-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalStoreOverwriteKeepsSingleRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "vessels", "v-1", json.RawMessage(`{"rev":1}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "vessels", "v-1", json.RawMessage(`{"rev":2}`), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entries, err := store.GetAll(ctx, "vessels")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].Value) != `{"rev":2}` {
		t.Fatalf("expected latest value, got %s", entries[0].Value)
	}
}

func TestLocalStoreTTLExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "weather", "gale-7", json.RawMessage(`{"wind":41}`), 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Get(ctx, "weather", "gale-7"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := store.Get(ctx, "weather", "gale-7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	// a fresh entry next to the expired one survives the scan
	if err := store.Set(ctx, "weather", "calm-1", json.RawMessage(`{"wind":4}`), 0); err != nil {
		t.Fatalf("set fresh: %v", err)
	}
	entries, err := store.GetAll(ctx, "weather")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "calm-1" {
		t.Fatalf("expected only the live entry, got %+v", entries)
	}
}

func TestLocalStorePurgeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "weather", "old", json.RawMessage(`{}`), time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "weather", "fresh", json.RawMessage(`{}`), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}

func TestLocalStoreQuarantinesCorruptEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "vessels", "good", json.RawMessage(`{"ok":true}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	// corrupt a row behind the API's back
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO local_cache (table_name, key, value, cached_at) VALUES (?, ?, ?, ?)`,
		"vessels", "bad", `{"truncated`, time.Now().UTC()); err != nil {
		t.Fatalf("inject corrupt row: %v", err)
	}

	entries, err := store.GetAll(ctx, "vessels")
	if err != nil {
		t.Fatalf("get all should survive corruption: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "good" {
		t.Fatalf("expected only the good entry, got %+v", entries)
	}
	if store.QuarantinedTotal() != 1 {
		t.Fatalf("expected 1 quarantined, got %d", store.QuarantinedTotal())
	}
	// the corrupt row is gone for good
	if _, err := store.Get(ctx, "vessels", "bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected quarantined row to be removed, got %v", err)
	}
}

func TestLocalStoreQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, "checklists", key, json.RawMessage(`{"key":"`+key+`"}`), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	matched, err := store.Query(ctx, "checklists", func(e CacheEntry) bool {
		return e.Key != "b"
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matched))
	}
}

func TestLocalStoreMeta(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetMeta(ctx, "lastSync"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := store.SetMeta(ctx, "lastSync", "2026-01-02T03:04:05Z"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := store.SetMeta(ctx, "lastSync", "2026-01-02T03:05:00Z"); err != nil {
		t.Fatalf("overwrite meta: %v", err)
	}
	value, err := store.GetMeta(ctx, "lastSync")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if value != "2026-01-02T03:05:00Z" {
		t.Fatalf("unexpected meta value %q", value)
	}
}

func TestLocalStoreMissionRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := json.RawMessage(`{"state":{"missionId":"m-1","status":"active"}}`)
	if err := store.SetMission(ctx, "m-1", "active", state); err != nil {
		t.Fatalf("set mission: %v", err)
	}
	rows, err := store.Missions(ctx)
	if err != nil {
		t.Fatalf("missions: %v", err)
	}
	if len(rows) != 1 || rows[0].MissionID != "m-1" || rows[0].Status != "active" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if err := store.DeleteMission(ctx, "m-1"); err != nil {
		t.Fatalf("delete mission: %v", err)
	}
	rows, err = store.Missions(ctx)
	if err != nil {
		t.Fatalf("missions after delete: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
