package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRealtimeUnsupported = errors.New("realtime not supported")
	ErrSubscriptionClosed  = errors.New("subscription closed")
)

// RemoteError classifies a failed remote call. Transient errors (link
// failures, timeouts, 5xx) are retried by the sync engine; everything else
// is a rejection that counts against the record's retry budget.
type RemoteError struct {
	Op        string
	Transient bool
	Cause     error
}

func (e *RemoteError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("remote %s (%s): %v", e.Op, kind, e.Cause)
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err represents a retryable remote failure.
// Unclassified errors are treated as transient so that flaky links never
// permanently fail a record by accident.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidInput)
}

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

type ChangeEvent struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Record struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Doc       json.RawMessage `json:"doc"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Subscription is a per-table realtime change stream. Err reports why the
// Changes channel closed, if it closed abnormally.
type Subscription interface {
	Changes() <-chan ChangeEvent
	Err() error
	Close() error
}

// Store is the remote authority consumed by the sync engine. All calls are
// suspension points and honor their context.
type Store interface {
	Insert(ctx context.Context, table string, record json.RawMessage) error
	Update(ctx context.Context, table, id string, patch json.RawMessage) error
	Delete(ctx context.Context, table, id string) error
	ChangedSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error)
}

// Feed provides realtime subscriptions. Stores without push support simply
// do not implement it and the engine stays in polling mode.
type Feed interface {
	Subscribe(ctx context.Context, table string) (Subscription, error)
}

func recordID(doc json.RawMessage) string {
	var ident struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &ident); err != nil {
		return ""
	}
	return ident.ID
}

// MemoryStore is the in-memory Store + Feed used in tests and development.
// FailNext injects a one-shot fault per operation name.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string]map[string]Record
	subs    map[string][]*memorySubscription
	clock   func() time.Time
	failure map[string]error

	InsertCalls int
	UpdateCalls int
	DeleteCalls int
	FetchCalls  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  map[string]map[string]Record{},
		subs:    map[string][]*memorySubscription{},
		clock:   func() time.Time { return time.Now().UTC() },
		failure: map[string]error{},
	}
}

// SetClock overrides the timestamp source (tests).
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

// FailNext makes the next call of op ("insert", "update", "delete", "fetch",
// or "*" for all) return err once.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure[op] = err
}

// FailAlways keeps failing op until cleared with FailNext(op, nil).
func (s *MemoryStore) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failure, "always:"+op)
		return
	}
	s.failure["always:"+op] = err
}

func (s *MemoryStore) takeFailureLocked(op string) error {
	if err, ok := s.failure["always:"+op]; ok {
		return err
	}
	if err, ok := s.failure[op]; ok && err != nil {
		delete(s.failure, op)
		return err
	}
	if err, ok := s.failure["*"]; ok && err != nil {
		delete(s.failure, "*")
		return err
	}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, table string, record json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.InsertCalls++
	if err := s.takeFailureLocked("insert"); err != nil {
		s.mu.Unlock()
		return err
	}
	id := recordID(record)
	if table == "" || id == "" {
		s.mu.Unlock()
		return ErrInvalidInput
	}
	now := s.clock()
	rec := Record{ID: id, Table: table, Doc: append(json.RawMessage(nil), record...), UpdatedAt: now}
	if s.tables[table] == nil {
		s.tables[table] = map[string]Record{}
	}
	s.tables[table][id] = rec
	s.broadcastLocked(ChangeEvent{Table: table, Type: ChangeInsert, New: rec.Doc, Timestamp: now})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, table, id string, patch json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.UpdateCalls++
	if err := s.takeFailureLocked("update"); err != nil {
		s.mu.Unlock()
		return err
	}
	if table == "" || id == "" {
		s.mu.Unlock()
		return ErrInvalidInput
	}
	now := s.clock()
	existing, ok := s.tables[table][id]
	var old json.RawMessage
	if ok {
		old = existing.Doc
	}
	merged := mergePatch(old, patch)
	rec := Record{ID: id, Table: table, Doc: merged, UpdatedAt: now}
	if s.tables[table] == nil {
		s.tables[table] = map[string]Record{}
	}
	s.tables[table][id] = rec
	s.broadcastLocked(ChangeEvent{Table: table, Type: ChangeUpdate, New: merged, Old: old, Timestamp: now})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.DeleteCalls++
	if err := s.takeFailureLocked("delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	if table == "" || id == "" {
		s.mu.Unlock()
		return ErrInvalidInput
	}
	now := s.clock()
	existing, ok := s.tables[table][id]
	if ok {
		tombstone := existing
		tombstone.Deleted = true
		tombstone.UpdatedAt = now
		s.tables[table][id] = tombstone
		s.broadcastLocked(ChangeEvent{Table: table, Type: ChangeDelete, Old: existing.Doc, Timestamp: now})
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) ChangedSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchCalls++
	if err := s.takeFailureLocked("fetch"); err != nil {
		return nil, err
	}
	records := make([]Record, 0, 8)
	for _, rec := range s.tables[table] {
		if rec.UpdatedAt.After(since) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, table string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	if err := s.takeFailureLocked("subscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &memorySubscription{
		store: s,
		table: table,
		ch:    make(chan ChangeEvent, 64),
	}
	s.subs[table] = append(s.subs[table], sub)
	s.mu.Unlock()
	return sub, nil
}

// Calls reports how many times an operation ran, including failed attempts.
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "insert":
		return s.InsertCalls
	case "update":
		return s.UpdateCalls
	case "delete":
		return s.DeleteCalls
	case "fetch":
		return s.FetchCalls
	}
	return 0
}

// SubscriptionCount reports live subscriptions for a table (tests: the
// flap-leak property).
func (s *MemoryStore) SubscriptionCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[table])
}

// FailSubscriptions closes every live subscription for table with err,
// simulating a realtime channel error.
func (s *MemoryStore) FailSubscriptions(table string, err error) {
	s.mu.Lock()
	subs := s.subs[table]
	s.subs[table] = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fail(err)
	}
}

func (s *MemoryStore) broadcastLocked(ev ChangeEvent) {
	for _, sub := range s.subs[ev.Table] {
		select {
		case sub.ch <- ev:
		default:
			// slow consumer; drop rather than block the store
		}
	}
}

type memorySubscription struct {
	store *MemoryStore
	table string
	ch    chan ChangeEvent

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *memorySubscription) Changes() <-chan ChangeEvent {
	return s.ch
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	subs := s.store.subs[s.table]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.table] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memorySubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// mergePatch applies a shallow JSON merge of patch over base.
func mergePatch(base, patch json.RawMessage) json.RawMessage {
	if len(base) == 0 {
		return append(json.RawMessage(nil), patch...)
	}
	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return append(json.RawMessage(nil), patch...)
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return append(json.RawMessage(nil), patch...)
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	merged, err := json.Marshal(baseMap)
	if err != nil {
		return append(json.RawMessage(nil), patch...)
	}
	return merged
}
