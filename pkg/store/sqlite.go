package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	path       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore implements Store on a single sqlite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Get(ctx context.Context, path string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (path, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		path, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (path, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE path = ?`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}

	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for k, v := range fields {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE kv SET value = ?, updated_at = ? WHERE path = ?`,
		string(merged), time.Now().UnixMilli(), path); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value FROM kv WHERE path LIKE ? || '/%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		child := strings.TrimPrefix(p, prefix+"/")
		if strings.Contains(child, "/") {
			continue // only direct children
		}
		out[child] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueryByChild(ctx context.Context, prefix, field string, value any) (map[string]json.RawMessage, error) {
	children, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	want, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", err)
	}

	out := make(map[string]json.RawMessage)
	for child, raw := range children {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if got, ok := doc[field]; ok && string(got) == string(want) {
			out[child] = raw
		}
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
