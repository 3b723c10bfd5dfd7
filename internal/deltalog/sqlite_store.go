package deltalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS delta_logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	sealed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	sealed_at INTEGER
);

CREATE TABLE IF NOT EXISTS delta_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	log_id INTEGER NOT NULL,
	record_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	layer_id TEXT NOT NULL,
	feature_id INTEGER NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_delta_records_log
ON delta_records(log_id, seq);
`

// SQLiteStore keeps every delta log of a project in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

type sqliteLog struct {
	logState
	store *SQLiteStore
	id    int64
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps pragmas and rotations on the same session
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous = FULL;"); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, path string) (Log, error) {
	var (
		id     int64
		sealed bool
	)
	row := s.db.QueryRowContext(ctx, `SELECT log_id, sealed FROM delta_logs WHERE path = ?`, path)
	err := row.Scan(&id, &sealed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO delta_logs (path, created_at) VALUES (?, ?)
		`, path, time.Now().UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("create log %s: %w", path, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("create log %s: %w", path, err)
		}
		return &sqliteLog{logState: logState{path: path}, store: s, id: id}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup log %s: %w", path, err)
	case sealed:
		return nil, fmt.Errorf("open %s: %w", path, ErrSealed)
	}
	return s.load(ctx, id, path, false)
}

func (s *SQLiteStore) load(ctx context.Context, id int64, path string, sealed bool) (*sqliteLog, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delta_records WHERE log_id = ?`, id)
	if err := row.Scan(&count); err != nil {
		return nil, fmt.Errorf("count records of %s: %w", path, err)
	}
	return &sqliteLog{
		logState: logState{path: path, sealed: sealed, count: count},
		store:    s,
		id:       id,
	}, nil
}

func (s *SQLiteStore) Rotate(ctx context.Context, active Log, archivePath, nextPath string) (Log, Log, error) {
	l, ok := active.(*sqliteLog)
	if !ok || l.store != s {
		return nil, nil, fmt.Errorf("rotate %s: %w", active.Path(), ErrUnknownLog)
	}
	if l.Sealed() {
		return nil, nil, fmt.Errorf("rotate %s: %w", l.Path(), ErrSealed)
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := transaction.ExecContext(ctx, `
		UPDATE delta_logs SET path = ?, sealed = 1, sealed_at = ?
		WHERE log_id = ? AND sealed = 0
	`, archivePath, now, l.id)
	if err != nil {
		_ = transaction.Rollback()
		return nil, nil, fmt.Errorf("seal log %s: %w", l.Path(), err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		_ = transaction.Rollback()
		return nil, nil, fmt.Errorf("seal log %s: %w", l.Path(), ErrUnknownLog)
	}
	res, err = transaction.ExecContext(ctx, `
		INSERT INTO delta_logs (path, created_at) VALUES (?, ?)
	`, nextPath, now)
	if err != nil {
		_ = transaction.Rollback()
		return nil, nil, fmt.Errorf("create log %s: %w", nextPath, err)
	}
	nextID, err := res.LastInsertId()
	if err != nil {
		_ = transaction.Rollback()
		return nil, nil, fmt.Errorf("create log %s: %w", nextPath, err)
	}
	if err := transaction.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit rotation: %w", err)
	}
	l.seal(archivePath)
	return l, &sqliteLog{logState: logState{path: nextPath}, store: s, id: nextID}, nil
}

func (s *SQLiteStore) LastSealed(ctx context.Context) (Log, error) {
	var (
		id   int64
		path string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT log_id, path FROM delta_logs
		WHERE sealed = 1
		ORDER BY sealed_at DESC, log_id DESC
		LIMIT 1
	`)
	if err := row.Scan(&id, &path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup sealed log: %w", err)
	}
	return s.load(ctx, id, path, true)
}

func (s *SQLiteStore) Remove(ctx context.Context, log Log) error {
	l, ok := log.(*sqliteLog)
	if !ok || l.store != s {
		return fmt.Errorf("remove %s: %w", log.Path(), ErrUnknownLog)
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, `DELETE FROM delta_records WHERE log_id = ?`, l.id); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete records of %s: %w", l.Path(), err)
	}
	if _, err := transaction.ExecContext(ctx, `DELETE FROM delta_logs WHERE log_id = ?`, l.id); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete log %s: %w", l.Path(), err)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	return nil
}

func (l *sqliteLog) Append(ctx context.Context, rec Record) error {
	if err := l.writable(); err != nil {
		return fmt.Errorf("append to %s: %w", l.Path(), err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return l.fail(fmt.Errorf("encode record: %w", err))
	}
	_, err = l.store.db.ExecContext(ctx, `
		INSERT INTO delta_records (log_id, record_id, kind, layer_id, feature_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.id, rec.ID, string(rec.Kind), rec.LayerID, rec.RecordID, string(payload))
	if err != nil {
		return l.fail(fmt.Errorf("insert record: %w", err))
	}
	l.appended()
	return nil
}

func (l *sqliteLog) Records(ctx context.Context) ([]Record, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT payload FROM delta_records
		WHERE log_id = ?
		ORDER BY seq ASC
	`, l.id)
	if err != nil {
		return nil, l.fail(fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	records := make([]Record, 0, l.Count())
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, l.fail(fmt.Errorf("scan record: %w", err))
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, l.fail(fmt.Errorf("decode record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, l.fail(fmt.Errorf("iterate records: %w", err))
	}
	return records, nil
}

func (l *sqliteLog) Clear(ctx context.Context) error {
	if l.Sealed() {
		return fmt.Errorf("clear %s: %w", l.Path(), ErrSealed)
	}
	if _, err := l.store.db.ExecContext(ctx, `DELETE FROM delta_records WHERE log_id = ?`, l.id); err != nil {
		return fmt.Errorf("clear %s: %w", l.Path(), err)
	}
	l.cleared()
	return nil
}

var _ Store = (*SQLiteStore)(nil)
