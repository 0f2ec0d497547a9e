// Package store is the versioned key-value layer behind reservations and
// conversations.
//
// FILES:
//   - store.go:    KV contract, Item, sentinel errors
//   - atomic.go:   AtomicUpdate (optimistic read-modify-write with conflict retry)
//   - memory.go:   in-process backend (tests, replay)
//   - sqlite.go:   embedded backend (default)
//   - redis.go:    multi-instance backend (Lua compare-and-set)
//   - postgres.go: durable SQL backend (pgxpool)
//   - dynamodb.go: AWS backend (conditional PutItem)
//
// DESIGN: Every record carries a monotonically increasing version. A write names
// the version it read; the backend accepts it only if the stored version still
// matches. This gives compare-and-set without transactions, so any simple
// key-value table can serve. Consistency under heavy contention on one key is
// eventual: losers re-read and re-apply their updater.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by Put when the stored version differs from the expected one.
	ErrConflict = errors.New("store: version conflict")
	// ErrNoChange is returned by an updater to skip the write.
	ErrNoChange = errors.New("store: no change")
)

// Item is a stored value and its version. Version 0 never exists on disk.
type Item struct {
	Value   []byte
	Version int64
}

// KV is a versioned key-value store partitioned into tables.
type KV interface {
	// Get returns the current item or ErrNotFound.
	Get(ctx context.Context, table, key string) (Item, error)
	// Put writes value if the stored version equals expectedVersion.
	// expectedVersion 0 means create-only. Returns the new version or ErrConflict.
	Put(ctx context.Context, table, key string, value []byte, expectedVersion int64) (int64, error)
	// Close releases backend resources.
	Close() error
}

// Lister is implemented by backends that can enumerate a table.
type Lister interface {
	Keys(ctx context.Context, table string) ([]string, error)
}
