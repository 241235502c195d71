package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/treemirror/internal/retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the primary backend. The node table is indexed on
// (ts, handle) so pages come straight off the index in either direction.
//
// WAL mode lets several mirrors share one file: readers never block, and
// writers serialize per statement with last-write-wins per key.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS nodes (
		handle TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		record TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_ts ON nodes(ts, handle);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	// sql.Open is lazy; the first statement is what surfaces a bad path.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // ignore close error
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, classify(err))
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close() // ignore close error
		return nil, fmt.Errorf("create schema: %w", classify(err))
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// classify marks busy and locked errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return retry.Retryable(err)
		}
	}
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, classify(err))
	}
	return []byte(value), nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(value))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, classify(err))
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, classify(err))
	}
	return nil
}

func (s *SQLiteStore) Enumerate(ctx context.Context, prefix string, includeValues bool) ([]Entry, error) {
	cols := "key"
	if includeValues {
		cols = "key, value"
	}
	// substr and length both count characters on TEXT, so multi-byte
	// prefixes match.
	query := "SELECT " + cols + " FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key"
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("enumerate %q: %w", prefix, classify(err))
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Entry
	for rows.Next() {
		var e Entry
		if includeValues {
			var v string
			if err := rows.Scan(&e.Key, &v); err != nil {
				return nil, fmt.Errorf("scan kv row: %w", err)
			}
			e.Value = []byte(v)
		} else if err := rows.Scan(&e.Key); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enumerate %q: %w", prefix, classify(err))
	}
	return out, nil
}

func (s *SQLiteStore) PutNodes(ctx context.Context, recs []NodeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin node write: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (handle, ts, record) VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET ts = excluded.ts, record = excluded.record`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", classify(err))
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.Handle, r.Timestamp, string(r.Value)); err != nil {
			return fmt.Errorf("insert node %s: %w", r.Handle, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node write: %w", classify(err))
	}
	return nil
}

func (s *SQLiteStore) DeleteNodes(ctx context.Context, handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin node delete: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM nodes WHERE handle = ?")
	if err != nil {
		return fmt.Errorf("prepare node delete: %w", classify(err))
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, h := range handles {
		if _, err := stmt.ExecContext(ctx, h); err != nil {
			return fmt.Errorf("delete node %s: %w", h, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node delete: %w", classify(err))
	}
	return nil
}

// buildScanQuery renders the page query for req. Row-value comparison keeps
// the (ts, handle) order total when timestamps collide.
func buildScanQuery(req ScanRequest) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString("SELECT handle, ts, record FROM nodes")
	if req.After != nil {
		if req.Descending {
			b.WriteString(" WHERE (ts, handle) < (?, ?)")
		} else {
			b.WriteString(" WHERE (ts, handle) > (?, ?)")
		}
		args = append(args, req.After.Timestamp, req.After.Handle)
	}
	if req.Descending {
		b.WriteString(" ORDER BY ts DESC, handle DESC")
	} else {
		b.WriteString(" ORDER BY ts ASC, handle ASC")
	}
	if req.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, req.Limit)
	}
	return b.String(), args
}

func (s *SQLiteStore) ScanNodes(ctx context.Context, req ScanRequest) ([]NodeRecord, error) {
	query, args := buildScanQuery(req)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan nodes: %w", classify(err))
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []NodeRecord
	for rows.Next() {
		var r NodeRecord
		var rec string
		if err := rows.Scan(&r.Handle, &r.Timestamp, &rec); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		r.Value = []byte(rec)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan nodes: %w", classify(err))
	}
	return out, nil
}

func (s *SQLiteStore) ClearNodes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM nodes"); err != nil {
		return fmt.Errorf("clear nodes: %w", classify(err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
