package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deltas (
	server_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	delta_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	layer_id TEXT NOT NULL,
	record_id INTEGER NOT NULL,
	payload TEXT NOT NULL,
	received_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_deltas_dedupe
ON deltas(user_id, client_id, delta_id);

CREATE INDEX IF NOT EXISTS idx_deltas_user_seq
ON deltas(user_id, server_seq);

CREATE TABLE IF NOT EXISTS clients (
	user_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	last_seen_server_seq INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, client_id)
);
`

var validKinds = map[string]bool{"create": true, "delete": true, "patch": true}

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertDeltas(ctx context.Context, userID string, clientID string, batchID string, deltas []Delta) (int64, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("%w: userId and clientId are required", ErrInvalidDelta)
	}
	if len(deltas) == 0 {
		return s.maxServerSeq(ctx, userID)
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := transaction.PrepareContext(ctx, `
		INSERT OR IGNORE INTO deltas (user_id, client_id, batch_id, delta_id, kind, layer_id, record_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = transaction.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, delta := range deltas {
		if delta.DeltaID == "" || delta.LayerID == "" || !validKinds[delta.Kind] {
			_ = transaction.Rollback()
			return 0, fmt.Errorf("%w: id=%q kind=%q layer=%q", ErrInvalidDelta, delta.DeltaID, delta.Kind, delta.LayerID)
		}
		if _, err := stmt.ExecContext(ctx, userID, clientID, batchID, delta.DeltaID, delta.Kind, delta.LayerID, delta.RecordID, string(delta.Payload), now); err != nil {
			_ = transaction.Rollback()
			return 0, fmt.Errorf("insert delta: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return 0, fmt.Errorf("commit deltas: %w", err)
	}
	return s.maxServerSeq(ctx, userID)
}

func (s *SQLiteStore) GetDeltasSince(ctx context.Context, userID string, since int64) ([]Delta, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_seq, client_id, batch_id, delta_id, kind, layer_id, record_id, payload
		FROM deltas
		WHERE user_id = ? AND server_seq > ?
		ORDER BY server_seq ASC
	`, userID, since)
	if err != nil {
		return nil, 0, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	deltas := make([]Delta, 0)
	var maxSeq int64
	for rows.Next() {
		var delta Delta
		var payload string
		if err := rows.Scan(&delta.ServerSeq, &delta.ClientID, &delta.BatchID, &delta.DeltaID, &delta.Kind, &delta.LayerID, &delta.RecordID, &payload); err != nil {
			return nil, 0, fmt.Errorf("scan delta: %w", err)
		}
		delta.Payload = []byte(payload)
		if delta.ServerSeq > maxSeq {
			maxSeq = delta.ServerSeq
		}
		deltas = append(deltas, delta)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate deltas: %w", err)
	}
	if maxSeq == 0 {
		maxSeq, err = s.maxServerSeq(ctx, userID)
		if err != nil {
			return nil, 0, err
		}
	}
	return deltas, maxSeq, nil
}

func (s *SQLiteStore) TouchClient(ctx context.Context, userID string, clientID string) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (user_id, client_id, last_seen_server_seq, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id, client_id) DO UPDATE SET updated_at = excluded.updated_at
	`, userID, clientID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateClientCursor(ctx context.Context, userID string, clientID string, serverSeq int64) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (user_id, client_id, last_seen_server_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, client_id) DO UPDATE SET
			last_seen_server_seq = MAX(clients.last_seen_server_seq, excluded.last_seen_server_seq),
			updated_at = excluded.updated_at
	`, userID, clientID, serverSeq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update client cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClientCursor(ctx context.Context, userID string, clientID string) (int64, error) {
	var seq int64
	row := s.db.QueryRowContext(ctx, `
		SELECT last_seen_server_seq FROM clients WHERE user_id = ? AND client_id = ?
	`, userID, clientID)
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("client cursor: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) maxServerSeq(ctx context.Context, userID string) (int64, error) {
	var maxSeq int64
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(server_seq), 0) FROM deltas WHERE user_id = ?", userID)
	if err := row.Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max server seq: %w", err)
	}
	return maxSeq, nil
}

var _ Store = (*SQLiteStore)(nil)
