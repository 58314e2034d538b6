package shoresync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const localStoreBusyTimeout = 5 * time.Second

// LocalStore is the single durable resource shared by the sync queue, the
// sync engine's ingress cache, and the mission engine. All access goes
// through this contract; no component touches another's namespace directly.
type LocalStore struct {
	db     *sql.DB
	logger zerolog.Logger

	// SQLite allows one writer at a time; serialize writes instead of
	// bouncing on SQLITE_BUSY.
	writeMu sync.Mutex

	quarantinedTotal uint64
	statMu           sync.Mutex
}

type LocalStoreOptions struct {
	Path   string
	Logger zerolog.Logger
}

func OpenLocalStore(opts LocalStoreOptions) (*LocalStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		path, localStoreBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	s := &LocalStore{db: db, logger: opts.Logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return s, nil
}

func (s *LocalStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			table_name TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at TIMESTAMP NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			synced_at TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_synced ON sync_queue(synced)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_priority ON sync_queue(priority, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS local_cache (
			table_name TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			cached_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			PRIMARY KEY (table_name, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_local_cache_table ON local_cache(table_name)`,
		`CREATE INDEX IF NOT EXISTS idx_local_cache_expires ON local_cache(expires_at)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS missions (
			mission_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the cache entry for table/key, or ErrNotFound. An expired
// entry is treated as absent and deleted lazily.
func (s *LocalStore) Get(ctx context.Context, table, key string) (*CacheEntry, error) {
	if table == "" || key == "" {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT value, cached_at, expires_at FROM local_cache WHERE table_name = ? AND key = ?`,
		table, key)
	var (
		raw       string
		cachedAt  time.Time
		expiresAt sql.NullTime
	)
	if err := row.Scan(&raw, &cachedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry := CacheEntry{Table: table, Key: key, CachedAt: cachedAt}
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	if entry.Expired(time.Now().UTC()) {
		_ = s.Delete(ctx, table, key)
		return nil, ErrNotFound
	}
	if !json.Valid([]byte(raw)) {
		s.quarantine(ctx, table, key, errors.New("invalid JSON value"))
		return nil, ErrNotFound
	}
	entry.Value = json.RawMessage(raw)
	return &entry, nil
}

// Set writes table/key atomically. ttl <= 0 means no expiry.
func (s *LocalStore) Set(ctx context.Context, table, key string, value json.RawMessage, ttl time.Duration) error {
	if table == "" || key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: value is not valid JSON", ErrInvalidInput)
	}
	now := time.Now().UTC()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_cache (table_name, key, value, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, key)
		 DO UPDATE SET value = excluded.value, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		table, key, string(value), now, expiresAt)
	return err
}

func (s *LocalStore) Delete(ctx context.Context, table, key string) error {
	if table == "" || key == "" {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM local_cache WHERE table_name = ? AND key = ?`, table, key)
	return err
}

// GetAll returns every live entry in a table. Expired rows are skipped and
// purged; corrupt rows are quarantined, never fatal for the scan.
func (s *LocalStore) GetAll(ctx context.Context, table string) ([]CacheEntry, error) {
	if table == "" {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, cached_at, expires_at FROM local_cache WHERE table_name = ? ORDER BY key`,
		table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	entries := make([]CacheEntry, 0, 16)
	var stale []string
	var corrupt []string
	for rows.Next() {
		var (
			key       string
			raw       string
			cachedAt  time.Time
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&key, &raw, &cachedAt, &expiresAt); err != nil {
			return nil, err
		}
		entry := CacheEntry{Table: table, Key: key, CachedAt: cachedAt}
		if expiresAt.Valid {
			t := expiresAt.Time
			entry.ExpiresAt = &t
		}
		if entry.Expired(now) {
			stale = append(stale, key)
			continue
		}
		if !json.Valid([]byte(raw)) {
			corrupt = append(corrupt, key)
			continue
		}
		entry.Value = json.RawMessage(raw)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, key := range stale {
		_ = s.Delete(ctx, table, key)
	}
	for _, key := range corrupt {
		s.quarantine(ctx, table, key, errors.New("invalid JSON value"))
	}
	return entries, nil
}

// Query filters a table's live entries with a predicate.
func (s *LocalStore) Query(ctx context.Context, table string, predicate func(CacheEntry) bool) ([]CacheEntry, error) {
	entries, err := s.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return entries, nil
	}
	filtered := entries[:0]
	for _, entry := range entries {
		if predicate(entry) {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// PurgeExpired sweeps expired cache rows eagerly. Reads already treat them
// as absent; this just reclaims space.
func (s *LocalStore) PurgeExpired(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM local_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *LocalStore) GetMeta(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidInput
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *LocalStore) SetMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// MissionRow is the raw persisted form of a mission.
type MissionRow struct {
	MissionID string
	Status    string
	State     json.RawMessage
	UpdatedAt time.Time
}

func (s *LocalStore) SetMission(ctx context.Context, id, status string, state json.RawMessage) error {
	if id == "" || status == "" || len(state) == 0 {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missions (mission_id, status, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (mission_id)
		 DO UPDATE SET status = excluded.status, state = excluded.state, updated_at = excluded.updated_at`,
		id, status, string(state), time.Now().UTC())
	return err
}

func (s *LocalStore) DeleteMission(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM missions WHERE mission_id = ?`, id)
	return err
}

// Missions returns every persisted mission row. Rows that fail basic JSON
// validation are quarantined here; deeper decode failures are the caller's
// to quarantine.
func (s *LocalStore) Missions(ctx context.Context) ([]MissionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mission_id, status, state, updated_at FROM missions ORDER BY mission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]MissionRow, 0, 8)
	var corrupt []string
	for rows.Next() {
		var (
			row MissionRow
			raw string
		)
		if err := rows.Scan(&row.MissionID, &row.Status, &raw, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(raw)) {
			corrupt = append(corrupt, row.MissionID)
			continue
		}
		row.State = json.RawMessage(raw)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		s.quarantineMission(ctx, id, errors.New("invalid JSON state"))
	}
	return out, nil
}

func (s *LocalStore) quarantineMission(ctx context.Context, id string, cause error) {
	s.logger.Warn().Str("mission", id).Err(cause).Msg("quarantined corrupt mission row")
	s.statMu.Lock()
	s.quarantinedTotal++
	s.statMu.Unlock()
	_ = s.DeleteMission(ctx, id)
}

// QuarantinedTotal reports how many corrupt entries have been dropped since
// the store was opened.
func (s *LocalStore) QuarantinedTotal() uint64 {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.quarantinedTotal
}

func (s *LocalStore) quarantine(ctx context.Context, table, key string, cause error) {
	s.logger.Warn().Str("table", table).Str("key", key).Err(cause).Msg("quarantined corrupt entry")
	s.statMu.Lock()
	s.quarantinedTotal++
	s.statMu.Unlock()
	_ = s.Delete(ctx, table, key)
}
