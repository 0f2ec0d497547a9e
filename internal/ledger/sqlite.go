package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // register sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workspace_balances (
	workspace_id TEXT PRIMARY KEY,
	balance      INTEGER NOT NULL DEFAULT 0,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id              TEXT PRIMARY KEY,
	reservation_id  TEXT NOT NULL UNIQUE,
	workspace_id    TEXT NOT NULL,
	reserved_amount INTEGER NOT NULL,
	total_cost      INTEGER NOT NULL,
	delta           INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_workspace ON ledger_entries(workspace_id);
`

// SQLite is a ledger stored in SQLite.
type SQLite struct {
	db *sql.DB
}

var _ Ledger = (*SQLite)(nil)

// OpenSQLite opens or creates the ledger database. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Finalize inserts the entry and adjusts the balance in one transaction. A
// second call for the same reservation changes nothing.
func (l *SQLite) Finalize(ctx context.Context, s Settlement) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries
		(id, reservation_id, workspace_id, reserved_amount, total_cost, delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reservation_id) DO NOTHING`,
		uuid.NewString(), s.ReservationID, s.WorkspaceID, s.ReservedAmount, s.TotalCost, s.Delta(), now,
	)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger/sqlite: rows affected: %w", err)
	}
	if n == 0 {
		log.Debug().Str("reservation_id", s.ReservationID).Msg("ledger: settlement already recorded")
		return nil
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO workspace_balances (workspace_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workspace_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = excluded.updated_at`,
		s.WorkspaceID, s.Delta(), now,
	)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: adjust balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger/sqlite: commit: %w", err)
	}
	return nil
}

// Balance returns the net adjustment applied to a workspace.
func (l *SQLite) Balance(ctx context.Context, workspaceID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM workspace_balances WHERE workspace_id = ?`, workspaceID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: balance: %w", err)
	}
	return balance, nil
}

// Entry returns the entry for a reservation.
func (l *SQLite) Entry(ctx context.Context, reservationID string) (Entry, bool, error) {
	var (
		e         Entry
		createdAt string
	)
	err := l.db.QueryRowContext(ctx, `SELECT id, reservation_id, workspace_id, reserved_amount, total_cost, delta, created_at
		FROM ledger_entries WHERE reservation_id = ?`, reservationID,
	).Scan(&e.ID, &e.ReservationID, &e.WorkspaceID, &e.ReservedAmount, &e.TotalCost, &e.Delta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger/sqlite: entry: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, true, nil
}

// Close closes the database.
func (l *SQLite) Close() error {
	return l.db.Close()
}
