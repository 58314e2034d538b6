package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresRecordsTable     = "shoresync_records"
	postgresNotifyChannel    = "shoresync_changes"
	postgresOperationTimeout = 10 * time.Second
	postgresMinReconnect     = 2 * time.Second
	postgresMaxReconnect     = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements Store and Feed against a Postgres remote
// authority. Mutations upsert into a JSONB document table and NOTIFY the
// change channel; subscriptions LISTEN on it.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresRecordsTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				table_name TEXT NOT NULL,
				id TEXT NOT NULL,
				doc JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (table_name, id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		index := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (table_name, updated_at)`,
			postgresQuoteIdentifier(s.tableName+"_updated_at_idx"),
			postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, index); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, table string, record json.RawMessage) error {
	return s.upsert(ctx, "insert", table, recordID(record), record, ChangeInsert)
}

func (s *PostgresStore) Update(ctx context.Context, table, id string, patch json.RawMessage) error {
	if err := s.ensureReady(); err != nil {
		return &RemoteError{Op: "update", Transient: true, Cause: err}
	}
	if table == "" || id == "" || len(patch) == 0 {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	// Shallow merge on the server keeps the patch semantics of the contract.
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, id, doc, updated_at, deleted)
		VALUES ($1, $2, $3::jsonb, NOW(), FALSE)
		ON CONFLICT (table_name, id)
		DO UPDATE SET doc = %s.doc || EXCLUDED.doc, updated_at = NOW(), deleted = FALSE`,
		postgresQuoteIdentifier(s.tableName), postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, table, id, string(patch)); err != nil {
		return classifyPostgresError("update", err)
	}
	return s.notify(ctx, ChangeEvent{Table: table, Type: ChangeUpdate, New: patch, Timestamp: time.Now().UTC()})
}

func (s *PostgresStore) Delete(ctx context.Context, table, id string) error {
	if err := s.ensureReady(); err != nil {
		return &RemoteError{Op: "delete", Transient: true, Cause: err}
	}
	if table == "" || id == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		`UPDATE %s SET deleted = TRUE, updated_at = NOW() WHERE table_name = $1 AND id = $2`,
		postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(ctx, query, table, id)
	if err != nil {
		return classifyPostgresError("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	old, _ := json.Marshal(map[string]string{"id": id})
	return s.notify(ctx, ChangeEvent{Table: table, Type: ChangeDelete, Old: old, Timestamp: time.Now().UTC()})
}

func (s *PostgresStore) upsert(ctx context.Context, op, table, id string, doc json.RawMessage, changeType ChangeType) error {
	if err := s.ensureReady(); err != nil {
		return &RemoteError{Op: op, Transient: true, Cause: err}
	}
	if table == "" || id == "" || len(doc) == 0 {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, id, doc, updated_at, deleted)
		VALUES ($1, $2, $3::jsonb, NOW(), FALSE)
		ON CONFLICT (table_name, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW(), deleted = FALSE`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, table, id, string(doc)); err != nil {
		return classifyPostgresError(op, err)
	}
	return s.notify(ctx, ChangeEvent{Table: table, Type: changeType, New: doc, Timestamp: time.Now().UTC()})
}

func (s *PostgresStore) ChangedSince(ctx context.Context, table string, since time.Time, limit int) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, &RemoteError{Op: "fetch", Transient: true, Cause: err}
	}
	if table == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, doc, updated_at, deleted FROM %s
		WHERE table_name = $1 AND updated_at > $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, table, since, limit)
	if err != nil {
		return nil, classifyPostgresError("fetch", err)
	}
	defer rows.Close()
	records := make([]Record, 0, 32)
	for rows.Next() {
		var (
			rec Record
			doc string
		)
		rec.Table = table
		if err := rows.Scan(&rec.ID, &doc, &rec.UpdatedAt, &rec.Deleted); err != nil {
			return nil, err
		}
		rec.Doc = json.RawMessage(doc)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) notify(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// NOTIFY payloads are capped at 8000 bytes; oversized events degrade to
	// a table-only hint and subscribers re-poll.
	if len(payload) > 7500 {
		payload, _ = json.Marshal(ChangeEvent{Table: ev.Table, Type: ev.Type, Timestamp: ev.Timestamp})
	}
	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, string(payload))
	if err != nil {
		return classifyPostgresError("notify", err)
	}
	return nil
}

// Subscribe opens a LISTEN-based change stream filtered to one table.
func (s *PostgresStore) Subscribe(ctx context.Context, table string) (Subscription, error) {
	if err := s.ensureReady(); err != nil {
		return nil, &RemoteError{Op: "subscribe", Transient: true, Cause: err}
	}
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	listener := pq.NewListener(s.dsn, postgresMinReconnect, postgresMaxReconnect, nil)
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, &RemoteError{Op: "subscribe", Transient: true, Cause: err}
	}
	sub := &postgresSubscription{
		listener: listener,
		table:    table,
		ch:       make(chan ChangeEvent, 64),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

type postgresSubscription struct {
	listener *pq.Listener
	table    string
	ch       chan ChangeEvent
	done     chan struct{}

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

func (s *postgresSubscription) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}()
	for {
		select {
		case notification, ok := <-s.listener.Notify:
			if !ok {
				s.setErr(ErrSubscriptionClosed)
				return
			}
			if notification == nil {
				// reconnect marker from pq; nothing to deliver
				continue
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(notification.Extra), &ev); err != nil {
				continue
			}
			if ev.Table != s.table {
				continue
			}
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case <-s.done:
				return
			}
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.done:
			return
		}
	}
}

func (s *postgresSubscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *postgresSubscription) Changes() <-chan ChangeEvent {
	return s.ch
}

func (s *postgresSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *postgresSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.listener.Close()
}

func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23 (integrity), 22 (data), 42 (syntax/undefined) are
		// rejections; everything else reads as a link problem.
		class := string(pqErr.Code.Class())
		if class == "23" || class == "22" || class == "42" {
			return &RemoteError{Op: op, Transient: false, Cause: err}
		}
	}
	return &RemoteError{Op: op, Transient: true, Cause: err}
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
