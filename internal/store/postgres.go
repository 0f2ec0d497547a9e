package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a KV backed by one PostgreSQL table.
type Postgres struct {
	pool      *pgxpool.Pool
	tableName string
}

var (
	_ KV     = (*Postgres)(nil)
	_ Lister = (*Postgres)(nil)
)

// PostgresOption configures Postgres.
type PostgresOption func(*Postgres)

// WithTableName sets the backing table (default "reconciler_kv").
func WithTableName(name string) PostgresOption {
	return func(p *Postgres) { p.tableName = name }
}

// NewPostgres wraps an open pool. Call EnsureSchema before first use.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{pool: pool, tableName: "reconciler_kv"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureSchema creates the backing table if it doesn't exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tbl     TEXT   NOT NULL,
			key     TEXT   NOT NULL,
			value   BYTEA  NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (tbl, key)
		);
	`, p.tableName)
	if _, err := p.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("store/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the stored item.
func (p *Postgres) Get(ctx context.Context, table, key string) (Item, error) {
	var item Item
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value, version FROM %s WHERE tbl = $1 AND key = $2`, p.tableName),
		table, key,
	).Scan(&item.Value, &item.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("store/postgres: get: %w", err)
	}
	return item, nil
}

// Put writes value if the stored version matches expectedVersion.
func (p *Postgres) Put(ctx context.Context, table, key string, value []byte, expectedVersion int64) (int64, error) {
	var (
		next int64
		err  error
	)
	if expectedVersion == 0 {
		err = p.pool.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (tbl, key, value, version) VALUES ($1, $2, $3, 1)
				ON CONFLICT (tbl, key) DO NOTHING RETURNING version`, p.tableName),
			table, key, value,
		).Scan(&next)
	} else {
		err = p.pool.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %s SET value = $1, version = version + 1
				WHERE tbl = $2 AND key = $3 AND version = $4 RETURNING version`, p.tableName),
			value, table, key, expectedVersion,
		).Scan(&next)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("store/postgres: put: %w", err)
	}
	return next, nil
}

// Keys lists every key in table.
func (p *Postgres) Keys(ctx context.Context, table string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT key FROM %s WHERE tbl = $1 ORDER BY key`, p.tableName), table)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store/postgres: keys: %w", err)
	}
	return keys, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
