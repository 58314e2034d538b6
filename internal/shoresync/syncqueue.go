package shoresync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const syncedRetention = 24 * time.Hour

// PriorityPolicy decides the drain priority for a queued mutation.
type PriorityPolicy func(table string, action Action) Priority

// DefaultPriorityPolicy ships the operational default: anything touching
// safety or incident tables drains first, checklist/mission traffic and all
// deletes drain next, the rest drains last.
func DefaultPriorityPolicy(table string, action Action) Priority {
	t := strings.ToLower(strings.TrimSpace(table))
	switch {
	case strings.Contains(t, "safety"), strings.Contains(t, "incident"), strings.Contains(t, "alert"):
		return PriorityHigh
	case strings.Contains(t, "checklist"), strings.Contains(t, "mission"), action == ActionDelete:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

type QueueStats struct {
	Total      int              `json:"total"`
	Unsynced   int              `json:"unsynced"`
	Failed     int              `json:"failed"`
	ByPriority map[Priority]int `json:"byPriority"`
}

type SyncQueueOptions struct {
	Store      *LocalStore
	Policy     PriorityPolicy
	Validator  *PayloadValidator
	MaxRetries int
	Logger     zerolog.Logger
}

// SyncQueue is the durable, priority-ordered queue of pending local
// mutations, backed by the LocalStore's sync_queue table.
type SyncQueue struct {
	store      *LocalStore
	policy     PriorityPolicy
	validator  *PayloadValidator
	maxRetries int
	logger     zerolog.Logger
	onChange   atomic.Value // func()
}

// OnChange registers a callback fired after every queue-size change,
// whichever path caused it. The engine hooks this to broadcast status.
func (q *SyncQueue) OnChange(fn func()) {
	q.onChange.Store(fn)
}

func (q *SyncQueue) notifyChange() {
	if fn, ok := q.onChange.Load().(func()); ok && fn != nil {
		fn()
	}
}

func NewSyncQueue(opts SyncQueueOptions) (*SyncQueue, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPriorityPolicy
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SyncQueue{
		store:      opts.Store,
		policy:     policy,
		validator:  opts.Validator,
		maxRetries: maxRetries,
		logger:     opts.Logger,
	}, nil
}

func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue records a local mutation with its policy-assigned priority and
// returns the record ID.
func (q *SyncQueue) Enqueue(ctx context.Context, table string, payload json.RawMessage, action Action) (string, error) {
	return q.EnqueueWithPriority(ctx, table, payload, action, q.policy(table, action))
}

func (q *SyncQueue) EnqueueWithPriority(ctx context.Context, table string, payload json.RawMessage, action Action, priority Priority) (string, error) {
	if strings.TrimSpace(table) == "" || !action.Valid() {
		return "", ErrInvalidInput
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return "", ErrInvalidInput
	}
	if q.validator != nil {
		if err := q.validator.Validate(table, payload); err != nil {
			return "", err
		}
	}
	id := uuid.NewString()
	now := time.Now().UTC()

	q.store.writeMu.Lock()
	// seq gives a stable FIFO tie-break within a priority class even when
	// two records share the same enqueue timestamp.
	_, err := q.store.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, seq, table_name, action, payload, priority, enqueued_at, synced, retry_count, last_error)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue), ?, ?, ?, ?, ?, 0, 0, '')`,
		id, table, string(action), string(payload), int(priority), now)
	q.store.writeMu.Unlock()
	if err != nil {
		return "", err
	}
	q.logger.Debug().Str("record", id).Str("table", table).Str("action", string(action)).
		Str("priority", priority.String()).Msg("enqueued mutation")
	q.notifyChange()
	return id, nil
}

// UnsyncedRecords returns pending records ordered by priority then arrival:
// high before medium before low, FIFO within a class. Records past the retry
// budget are excluded; they are reported through FailedRecords instead.
// limit <= 0 returns everything.
func (q *SyncQueue) UnsyncedRecords(ctx context.Context, limit int) ([]SyncRecord, error) {
	query := `SELECT id, table_name, action, payload, priority, enqueued_at, retry_count, last_error
		 FROM sync_queue
		 WHERE synced = 0 AND retry_count < ?
		 ORDER BY priority ASC, enqueued_at ASC, seq ASC`
	args := []any{q.maxRetries}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.scanRecords(ctx, query, args...)
}

// FailedRecords returns permanently failed records (retry budget exhausted)
// for operator inspection. They are never retried or dropped silently.
func (q *SyncQueue) FailedRecords(ctx context.Context) ([]SyncRecord, error) {
	return q.scanRecords(ctx,
		`SELECT id, table_name, action, payload, priority, enqueued_at, retry_count, last_error
		 FROM sync_queue
		 WHERE synced = 0 AND retry_count >= ?
		 ORDER BY priority ASC, enqueued_at ASC, seq ASC`,
		q.maxRetries)
}

// UnsyncedForKey returns pending records targeting one logical record,
// oldest first. Used by conflict resolution.
func (q *SyncQueue) UnsyncedForKey(ctx context.Context, table, key string) ([]SyncRecord, error) {
	records, err := q.scanRecords(ctx,
		`SELECT id, table_name, action, payload, priority, enqueued_at, retry_count, last_error
		 FROM sync_queue
		 WHERE synced = 0 AND table_name = ?
		 ORDER BY enqueued_at ASC, seq ASC`,
		table)
	if err != nil {
		return nil, err
	}
	matched := records[:0]
	for _, record := range records {
		if payloadKey(record.Payload) == key {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (q *SyncQueue) scanRecords(ctx context.Context, query string, args ...any) ([]SyncRecord, error) {
	rows, err := q.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]SyncRecord, 0, 16)
	var corrupt []string
	for rows.Next() {
		var (
			record   SyncRecord
			action   string
			payload  string
			priority int
		)
		if err := rows.Scan(&record.ID, &record.Table, &action, &payload, &priority,
			&record.EnqueuedAt, &record.RetryCount, &record.LastError); err != nil {
			return nil, err
		}
		record.Action = Action(action)
		record.Priority = Priority(priority)
		if !json.Valid([]byte(payload)) {
			corrupt = append(corrupt, record.ID)
			continue
		}
		record.Payload = json.RawMessage(payload)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for _, id := range corrupt {
		q.store.quarantineQueueRecord(ctx, id)
	}
	return records, nil
}

// MarkSynced flips a record to synced exactly once. A synced record never
// reappears in UnsyncedRecords and becomes eligible for the retention sweep.
func (q *SyncQueue) MarkSynced(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	q.store.writeMu.Lock()
	res, err := q.store.db.ExecContext(ctx,
		`UPDATE sync_queue SET synced = 1, synced_at = ?, last_error = '' WHERE id = ? AND synced = 0`,
		time.Now().UTC(), id)
	q.store.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	q.notifyChange()
	return nil
}

// IncrementRetry bumps the retry counter after a failed submission and
// returns the new count. The lock spans the bump and the read-back so
// concurrent drains each see their own count.
func (q *SyncQueue) IncrementRetry(ctx context.Context, id, lastError string) (int, error) {
	if id == "" {
		return 0, ErrInvalidInput
	}
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ? AND synced = 0`,
		lastError, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = q.store.db.QueryRowContext(ctx,
		`SELECT retry_count FROM sync_queue WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (q *SyncQueue) DeleteSyncedRecord(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	q.store.writeMu.Lock()
	res, err := q.store.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND synced = 1`, id)
	q.store.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	q.notifyChange()
	return nil
}

// DeleteRecord removes a record regardless of sync state. Operator use:
// clearing a permanently failed record after inspection, or dropping a local
// queued change that lost a conflict.
func (q *SyncQueue) DeleteRecord(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	q.store.writeMu.Lock()
	_, err := q.store.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	q.store.writeMu.Unlock()
	if err == nil {
		q.notifyChange()
	}
	return err
}

// ClearSyncedOlderThan garbage-collects synced records older than age.
// age <= 0 uses the 24h retention default.
func (q *SyncQueue) ClearSyncedOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		age = syncedRetention
	}
	cutoff := time.Now().UTC().Add(-age)
	q.store.writeMu.Lock()
	res, err := q.store.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE synced = 1 AND synced_at IS NOT NULL AND synced_at <= ?`, cutoff)
	q.store.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.notifyChange()
	}
	return int(n), nil
}

func (q *SyncQueue) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{ByPriority: map[Priority]int{}}
	rows, err := q.store.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM sync_queue WHERE synced = 0 GROUP BY priority`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return stats, err
		}
		stats.ByPriority[Priority(priority)] = count
		stats.Unsynced += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue`).Scan(&stats.Total); err != nil {
		return stats, err
	}
	if err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE synced = 0 AND retry_count >= ?`,
		q.maxRetries).Scan(&stats.Failed); err != nil {
		return stats, err
	}
	return stats, nil
}

// payloadKey extracts the logical record identity from a queued payload.
func payloadKey(payload json.RawMessage) string {
	var ident struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &ident); err != nil {
		return ""
	}
	return ident.ID
}

func (s *LocalStore) quarantineQueueRecord(ctx context.Context, id string) {
	s.logger.Warn().Str("record", id).Msg("quarantined corrupt queue record")
	s.statMu.Lock()
	s.quarantinedTotal++
	s.statMu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
}
