package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHTTPStore(handler http.Handler) (*HTTPStore, *httptest.Server) {
	server := httptest.NewServer(handler)
	store := NewHTTPStore(server.URL, "test-token", server.Client())
	store.baseDelay = time.Millisecond
	store.maxDelay = 5 * time.Millisecond
	return store, server
}

func TestHTTPStoreInsertSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	if err := store.Insert(context.Background(), "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if gotPath != "POST /v1/tables/notes/records" {
		t.Fatalf("path %q", gotPath)
	}
	if gotBody != `{"id":"n-1"}` {
		t.Fatalf("body %q", gotBody)
	}
}

func TestHTTPStoreRetriesTransientStatus(t *testing.T) {
	var calls int32
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := store.Insert(context.Background(), "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert should recover: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestHTTPStoreRejectionIsNotTransient(t *testing.T) {
	var calls int32
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_payload","message":"bad severity"}`))
	}))
	defer server.Close()

	err := store.Insert(context.Background(), "notes", json.RawMessage(`{"id":"n-1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("422 classified transient: %v", err)
	}
	// a 4xx is never retried
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "invalid_payload" {
		t.Fatalf("error payload lost: %v", err)
	}
}

func TestHTTPStoreDeleteNotFound(t *testing.T) {
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := store.Delete(context.Background(), "notes", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPStoreChangedSince(t *testing.T) {
	var gotQuery string
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []Record{
				{ID: "n-1", Doc: json.RawMessage(`{"id":"n-1"}`), UpdatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
				{ID: "n-2", Doc: json.RawMessage(`{"id":"n-2"}`), UpdatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Deleted: true},
			},
		})
	}))
	defer server.Close()

	since := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	records, err := store.ChangedSince(context.Background(), "notes", since, 100)
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(records) != 2 || records[0].Table != "notes" || !records[1].Deleted {
		t.Fatalf("unexpected records %+v", records)
	}
	if gotQuery != "limit=100&since=2026-02-28T00%3A00%3A00Z" {
		t.Fatalf("query %q", gotQuery)
	}
}

func TestHTTPStoreHonorsRetryAfter(t *testing.T) {
	var calls int32
	start := time.Now()
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := store.Insert(context.Background(), "notes", json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("Retry-After ignored: retried after %s", elapsed)
	}
}

func TestHTTPStoreContextCancelAbortsRetryWait(t *testing.T) {
	store, server := newTestHTTPStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := store.Insert(ctx, "notes", json.RawMessage(`{"id":"n-1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not abort the retry wait")
	}
}
