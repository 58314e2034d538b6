package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SHORESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SHORESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationStore(t *testing.T, dsn string) *PostgresStore {
	t.Helper()
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("shoresync_test_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, store.tableName)
		_ = store.Close()
	})
	return store
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store := postgresIntegrationStore(t, dsn)
	ctx := context.Background()

	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1","body":"first"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Update(ctx, "notes", "n-1", json.RawMessage(`{"body":"second"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}

	records, err := store.ChangedSince(ctx, "notes", time.Time{}, 0)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	var doc map[string]any
	if err := json.Unmarshal(records[0].Doc, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// JSONB merge keeps untouched fields
	if doc["id"] != "n-1" || doc["body"] != "second" {
		t.Fatalf("merge result %+v", doc)
	}

	if err := store.Delete(ctx, "notes", "n-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, err = store.ChangedSince(ctx, "notes", time.Time{}, 0)
	if err != nil {
		t.Fatalf("changed since after delete: %v", err)
	}
	if len(records) != 1 || !records[0].Deleted {
		t.Fatalf("expected tombstone, got %+v", records)
	}
	if err := store.Delete(ctx, "notes", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreNotifyReachesSubscriber(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store := postgresIntegrationStore(t, dsn)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "notes")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	// LISTEN setup races the first NOTIFY without a settle delay
	time.Sleep(200 * time.Millisecond)

	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	select {
	case ev := <-sub.Changes():
		if ev.Table != "notes" || ev.Type != ChangeInsert {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}
