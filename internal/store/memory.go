package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process KV. Safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	tables map[string]map[string]Item
}

var (
	_ KV     = (*Memory)(nil)
	_ Lister = (*Memory)(nil)
)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]Item)}
}

// Get returns a copy of the stored item.
func (m *Memory) Get(_ context.Context, table, key string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.tables[table][key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{Value: append([]byte(nil), item.Value...), Version: item.Version}, nil
}

// Put stores value if the current version matches.
func (m *Memory) Put(_ context.Context, table, key string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]Item)
		m.tables[table] = t
	}

	var current int64
	if item, ok := t[key]; ok {
		current = item.Version
	}
	if current != expectedVersion {
		return 0, ErrConflict
	}

	next := current + 1
	t[key] = Item{Value: append([]byte(nil), value...), Version: next}
	return next, nil
}

// Keys returns the table's keys in sorted order.
func (m *Memory) Keys(_ context.Context, table string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
