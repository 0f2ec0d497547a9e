package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/credit-reconciler/internal/monitoring"
)

// =============================================================================
// CONTRACT SUITE
// =============================================================================

// runKVContract exercises the versioned KV contract against any backend.
func runKVContract(t *testing.T, kv KV) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := kv.Get(ctx, "t1", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create only", func(t *testing.T) {
		v, err := kv.Put(ctx, "t1", "a", []byte(`{"n":1}`), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		_, err = kv.Put(ctx, "t1", "a", []byte(`{"n":2}`), 0)
		assert.ErrorIs(t, err, ErrConflict)

		item, err := kv.Get(ctx, "t1", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(item.Value))
		assert.Equal(t, int64(1), item.Version)
	})

	t.Run("conditional update", func(t *testing.T) {
		v, err := kv.Put(ctx, "t1", "a", []byte(`{"n":2}`), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		_, err = kv.Put(ctx, "t1", "a", []byte(`{"n":3}`), 1)
		assert.ErrorIs(t, err, ErrConflict, "stale version must lose")

		item, err := kv.Get(ctx, "t1", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":2}`, string(item.Value))
	})

	t.Run("update missing conflicts", func(t *testing.T) {
		_, err := kv.Put(ctx, "t1", "ghost", []byte(`{}`), 3)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("tables are isolated", func(t *testing.T) {
		_, err := kv.Get(ctx, "t2", "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	if l, ok := kv.(Lister); ok {
		t.Run("keys", func(t *testing.T) {
			_, err := kv.Put(ctx, "t1", "b", []byte(`{}`), 0)
			require.NoError(t, err)
			keys, err := l.Keys(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)
		})
	}
}

func TestMemory_Contract(t *testing.T) {
	runKVContract(t, NewMemory())
}

func TestSQLite_Contract(t *testing.T) {
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	runKVContract(t, kv)
}

func TestSQLite_InMemory(t *testing.T) {
	kv, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	runKVContract(t, kv)
}

// =============================================================================
// ATOMIC UPDATE
// =============================================================================

type counterDoc struct {
	Seen  []string `json:"seen"`
	Count int      `json:"count"`
}

func addSeen(id string) func(*counterDoc) (*counterDoc, error) {
	return func(cur *counterDoc) (*counterDoc, error) {
		if cur == nil {
			cur = &counterDoc{}
		}
		for _, s := range cur.Seen {
			if s == id {
				return nil, ErrNoChange
			}
		}
		cur.Seen = append(cur.Seen, id)
		cur.Count++
		return cur, nil
	}
}

func TestAtomicUpdate_CreateAndNoChange(t *testing.T) {
	ctx := context.Background()
	u := NewUpdater(NewMemory(), 5, nil)

	doc, err := AtomicUpdate(ctx, u, "docs", "k", addSeen("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count)

	doc, err = AtomicUpdate(ctx, u, "docs", "k", addSeen("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count, "no-change returns the stored value")
	assert.Equal(t, []string{"x"}, doc.Seen)

	item, err := u.KV().Get(ctx, "docs", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version, "no-change must not write")
}

func TestAtomicUpdate_NoChangeOnMissingKey(t *testing.T) {
	u := NewUpdater(NewMemory(), 5, nil)
	doc, err := AtomicUpdate(context.Background(), u, "docs", "k", func(cur *counterDoc) (*counterDoc, error) {
		return nil, ErrNoChange
	})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestAtomicUpdate_UpdaterErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	u := NewUpdater(NewMemory(), 5, nil)
	_, err := AtomicUpdate(context.Background(), u, "docs", "k", func(*counterDoc) (*counterDoc, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

// racingKV injects a competing write between the read and the write of the
// first n Put calls.
type racingKV struct {
	KV
	mu     sync.Mutex
	remain int
}

func (r *racingKV) Put(ctx context.Context, table, key string, value []byte, expected int64) (int64, error) {
	r.mu.Lock()
	race := r.remain > 0
	if race {
		r.remain--
	}
	r.mu.Unlock()
	if race {
		item, err := r.KV.Get(ctx, table, key)
		if err == nil {
			_, _ = r.KV.Put(ctx, table, key, item.Value, item.Version)
		}
	}
	return r.KV.Put(ctx, table, key, value, expected)
}

func TestAtomicUpdate_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	_, err := mem.Put(ctx, "docs", "k", []byte(`{"seen":[],"count":0}`), 0)
	require.NoError(t, err)

	metrics := monitoring.NewMetricsCollector()
	u := NewUpdater(&racingKV{KV: mem, remain: 2}, 5, metrics)

	calls := 0
	doc, err := AtomicUpdate(ctx, u, "docs", "k", func(cur *counterDoc) (*counterDoc, error) {
		calls++
		return addSeen("x")(cur)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "updater re-runs against the fresh value")
	assert.Equal(t, 1, doc.Count)
	assert.Equal(t, int64(2), metrics.FullStats().Dependencies.StoreConflicts)
}

func TestAtomicUpdate_ConflictExhaustion(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	_, err := mem.Put(ctx, "docs", "k", []byte(`{}`), 0)
	require.NoError(t, err)

	u := NewUpdater(&racingKV{KV: mem, remain: 100}, 3, nil)
	_, err = AtomicUpdate(ctx, u, "docs", "k", addSeen("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAtomicUpdate_ConcurrentWriters(t *testing.T) {
	backends := map[string]func(t *testing.T) KV{
		"memory": func(t *testing.T) KV { return NewMemory() },
		"sqlite": func(t *testing.T) KV {
			kv, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = kv.Close() })
			return kv
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := NewUpdater(open(t), 1000, nil)

			const writers = 20
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := AtomicUpdate(ctx, u, "docs", "shared", addSeen(fmt.Sprintf("gen-%d", i%10)))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			doc, err := GetJSON[counterDoc](ctx, u.KV(), "docs", "shared")
			require.NoError(t, err)
			assert.Equal(t, 10, doc.Count, "every distinct id counted exactly once")
			assert.Len(t, doc.Seen, 10)
		})
	}
}

func TestGetJSON_NotFound(t *testing.T) {
	_, err := GetJSON[counterDoc](context.Background(), NewMemory(), "docs", "none")
	assert.ErrorIs(t, err, ErrNotFound)
}
