package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreInsertAndChangedSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	current = base.Add(time.Minute)
	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-2"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	records, err := store.ChangedSince(ctx, "notes", base, 0)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(records) != 1 || records[0].ID != "n-2" {
		t.Fatalf("expected only the newer record, got %+v", records)
	}
	records, err = store.ChangedSince(ctx, "notes", base.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(records) != 2 || records[0].ID != "n-1" || records[1].ID != "n-2" {
		t.Fatalf("expected both in order, got %+v", records)
	}
}

func TestMemoryStoreUpdateMergesShallow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1","body":"old","pinned":true}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Update(ctx, "notes", "n-1", json.RawMessage(`{"body":"new"}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	records, err := store.ChangedSince(ctx, "notes", time.Time{}, 0)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(records[0].Doc, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["body"] != "new" || doc["pinned"] != true {
		t.Fatalf("merge lost fields: %+v", doc)
	}
}

func TestMemoryStoreDeleteTombstones(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Delete(ctx, "notes", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Delete(ctx, "notes", "n-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// tombstones still flow through ChangedSince so pollers see the delete
	records, err := store.ChangedSince(ctx, "notes", time.Time{}, 0)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(records) != 1 || !records[0].Deleted {
		t.Fatalf("expected tombstone, got %+v", records)
	}
}

func TestMemoryStoreSubscriptionDeliversEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "notes")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// events for other tables stay on their own streams
	if err := store.Insert(ctx, "checklists", json.RawMessage(`{"id":"c-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-sub.Changes():
		if ev.Table != "notes" || ev.Type != ChangeInsert {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-sub.Changes():
		t.Fatalf("cross-table event leaked: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryStoreSubscriptionCloseRemovesIt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "notes")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if store.SubscriptionCount("notes") != 1 {
		t.Fatalf("count = %d", store.SubscriptionCount("notes"))
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.SubscriptionCount("notes") != 0 {
		t.Fatalf("subscription leaked after close: %d", store.SubscriptionCount("notes"))
	}
	if _, ok := <-sub.Changes(); ok {
		t.Fatal("channel open after close")
	}
}

func TestMemoryStoreFaultInjection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := &RemoteError{Op: "insert", Transient: true, Cause: errors.New("boom")}

	store.FailNext("insert", boom)
	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); !errors.Is(err, boom.Cause) && err != boom {
		t.Fatalf("expected injected failure, got %v", err)
	}
	// one-shot: the next call succeeds
	if err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert after one-shot failure: %v", err)
	}

	store.FailAlways("update", boom)
	for i := 0; i < 3; i++ {
		if err := store.Update(ctx, "notes", "n-1", json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("persistent failure cleared after %d calls", i)
		}
	}
	store.FailAlways("update", nil)
	if err := store.Update(ctx, "notes", "n-1", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("update after clearing: %v", err)
	}
}

func TestIsTransientClassification(t *testing.T) {
	if !IsTransient(&RemoteError{Op: "insert", Transient: true, Cause: errors.New("timeout")}) {
		t.Fatal("transient RemoteError misclassified")
	}
	if IsTransient(&RemoteError{Op: "insert", Transient: false, Cause: errors.New("rejected")}) {
		t.Fatal("rejection classified transient")
	}
	if IsTransient(ErrNotFound) || IsTransient(ErrInvalidInput) {
		t.Fatal("sentinel errors classified transient")
	}
	// unknown errors default to transient so links cannot permanently fail
	// a record by accident
	if !IsTransient(errors.New("connection reset")) {
		t.Fatal("unknown error classified permanent")
	}
}
