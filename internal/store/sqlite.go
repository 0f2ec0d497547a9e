package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_items (
	tbl     TEXT    NOT NULL,
	key     TEXT    NOT NULL,
	value   BLOB    NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (tbl, key)
);
`

// SQLite is a KV backed by a single SQLite table.
type SQLite struct {
	db *sql.DB
}

var (
	_ KV     = (*SQLite)(nil)
	_ Lister = (*SQLite)(nil)
)

// OpenSQLite opens or creates the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	// Single connection: required for :memory:, and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get returns the stored item.
func (s *SQLite) Get(ctx context.Context, table, key string) (Item, error) {
	var item Item
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_items WHERE tbl = ? AND key = ?`, table, key,
	).Scan(&item.Value, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("store/sqlite: get: %w", err)
	}
	return item, nil
}

// Put writes value if the stored version matches expectedVersion.
func (s *SQLite) Put(ctx context.Context, table, key string, value []byte, expectedVersion int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv_items (tbl, key, value, version) VALUES (?, ?, ?, 1)
			 ON CONFLICT (tbl, key) DO NOTHING`,
			table, key, value)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv_items SET value = ?, version = version + 1
			 WHERE tbl = ? AND key = ? AND version = ?`,
			value, table, key, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("store/sqlite: put: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return expectedVersion + 1, nil
}

// Keys lists every key in table.
func (s *SQLite) Keys(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_items WHERE tbl = ? ORDER BY key`, table)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
