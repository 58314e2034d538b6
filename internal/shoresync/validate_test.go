package shoresync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const safetyReportSchema = `{
	"type": "object",
	"required": ["id", "severity"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"severity": {"type": "string", "enum": ["low", "medium", "high"]}
	}
}`

func writeSchema(t *testing.T, dir, table, schema string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, table+".schema.json"), []byte(schema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
}

func TestValidatorAcceptsAndRejects(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "safety_reports", safetyReportSchema)

	v, err := NewPayloadValidator(PayloadValidatorOptions{Dir: dir})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	defer v.Close()

	if err := v.Validate("safety_reports", json.RawMessage(`{"id":"s-1","severity":"high"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	err = v.Validate("safety_reports", json.RawMessage(`{"id":"s-1","severity":"catastrophic"}`))
	if !errors.Is(err, ErrPayloadRejected) {
		t.Fatalf("expected ErrPayloadRejected, got %v", err)
	}
	err = v.Validate("safety_reports", json.RawMessage(`{"severity":"low"}`))
	if !errors.Is(err, ErrPayloadRejected) {
		t.Fatalf("expected ErrPayloadRejected for missing id, got %v", err)
	}
	// tables without a schema pass unchecked
	if err := v.Validate("notes", json.RawMessage(`{"anything":"goes"}`)); err != nil {
		t.Fatalf("schemaless table rejected: %v", err)
	}
}

func TestValidatorWiredIntoQueue(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "safety_reports", safetyReportSchema)
	v, err := NewPayloadValidator(PayloadValidatorOptions{Dir: dir})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	defer v.Close()

	store := newTestStore(t)
	queue, err := NewSyncQueue(SyncQueueOptions{Store: store, Validator: v})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, "safety_reports", json.RawMessage(`{"id":"s-1","severity":"low"}`), ActionCreate); err != nil {
		t.Fatalf("valid enqueue rejected: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "safety_reports", json.RawMessage(`{"id":"s-2"}`), ActionCreate); !errors.Is(err, ErrPayloadRejected) {
		t.Fatalf("expected ErrPayloadRejected, got %v", err)
	}
	// rejected payloads never reach the queue
	records, err := queue.UnsyncedRecords(ctx, 0)
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 queued record, got %d", len(records))
	}
}

func TestValidatorHotReload(t *testing.T) {
	dir := t.TempDir()
	v, err := NewPayloadValidator(PayloadValidatorOptions{Dir: dir, Watch: true})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	defer v.Close()

	payload := json.RawMessage(`{"severity":"low"}`)
	if err := v.Validate("safety_reports", payload); err != nil {
		t.Fatalf("unvalidated table rejected: %v", err)
	}

	writeSchema(t, dir, "safety_reports", safetyReportSchema)
	waitFor(t, 3*time.Second, "schema hot reload", func() bool {
		return errors.Is(v.Validate("safety_reports", payload), ErrPayloadRejected)
	})

	// removing the schema file turns validation back off
	if err := os.Remove(filepath.Join(dir, "safety_reports.schema.json")); err != nil {
		t.Fatalf("remove schema: %v", err)
	}
	waitFor(t, 3*time.Second, "schema removal", func() bool {
		return v.Validate("safety_reports", payload) == nil
	})
}

func TestValidatorBrokenReloadKeepsPreviousSchema(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "safety_reports", safetyReportSchema)
	v, err := NewPayloadValidator(PayloadValidatorOptions{Dir: dir, Watch: true})
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	defer v.Close()

	writeSchema(t, dir, "safety_reports", `{"type": "obj`)
	time.Sleep(100 * time.Millisecond)
	// the old schema still enforces
	if err := v.Validate("safety_reports", json.RawMessage(`{"severity":"low"}`)); !errors.Is(err, ErrPayloadRejected) {
		t.Fatalf("previous schema lost after broken reload: %v", err)
	}
}

func TestValidatorRejectsMissingDir(t *testing.T) {
	if _, err := NewPayloadValidator(PayloadValidatorOptions{Dir: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewPayloadValidator(PayloadValidatorOptions{Dir: "/nonexistent/schemas"}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
