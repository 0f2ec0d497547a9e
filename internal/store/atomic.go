package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/monitoring"
)

// conflictPause is the base pause between conflict retries; attempt n waits up
// to n*conflictPause.
const conflictPause = 5 * time.Millisecond

// RawFunc computes a new document from the current one. current is nil when the
// key does not exist. Returning ErrNoChange skips the write. The function may be
// invoked several times and must not depend on anything but its input.
type RawFunc func(current []byte) ([]byte, error)

// Updater runs optimistic read-modify-write cycles against a KV.
type Updater struct {
	kv         KV
	maxRetries int
	metrics    *monitoring.MetricsCollector
}

// NewUpdater wraps kv. maxRetries <= 0 uses the default.
func NewUpdater(kv KV, maxRetries int, metrics *monitoring.MetricsCollector) *Updater {
	if maxRetries <= 0 {
		maxRetries = config.DefaultMaxConflictRetries
	}
	return &Updater{kv: kv, maxRetries: maxRetries, metrics: metrics}
}

// KV returns the underlying store.
func (u *Updater) KV() KV { return u.kv }

// UpdateRaw applies fn to the latest stored bytes and writes the result
// conditionally, re-running the whole cycle on ErrConflict. It returns the
// document as stored after the call (the current one when fn returned ErrNoChange).
func (u *Updater) UpdateRaw(ctx context.Context, table, key string, fn RawFunc) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		var (
			current []byte
			version int64
		)
		item, err := u.kv.Get(ctx, table, key)
		switch {
		case err == nil:
			current, version = item.Value, item.Version
		case errors.Is(err, ErrNotFound):
		default:
			return nil, fmt.Errorf("store: read %s/%s: %w", table, key, err)
		}

		next, err := fn(current)
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}

		_, err = u.kv.Put(ctx, table, key, next, version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("store: write %s/%s: %w", table, key, err)
		}

		u.metrics.RecordStoreConflict()
		if attempt >= u.maxRetries {
			return nil, fmt.Errorf("store: %s/%s still conflicting after %d attempts: %w", table, key, attempt, err)
		}
		log.Debug().Str("table", table).Str("key", key).Int("attempt", attempt).Msg("store: version conflict, retrying")

		pause := time.Duration(rand.Int64N(int64(conflictPause)*int64(attempt)) + 1)
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(pause):
		}
	}
}

// AtomicUpdate is UpdateRaw with a JSON codec. fn receives a freshly decoded
// copy (nil when absent) on every attempt.
func AtomicUpdate[T any](ctx context.Context, u *Updater, table, key string, fn func(current *T) (*T, error)) (*T, error) {
	var result *T
	raw, err := u.UpdateRaw(ctx, table, key, func(current []byte) ([]byte, error) {
		result = nil
		var cur *T
		if current != nil {
			cur = new(T)
			if err := json.Unmarshal(current, cur); err != nil {
				return nil, fmt.Errorf("store: decode %s/%s: %w", table, key, err)
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, ErrNoChange
		}
		result = next
		return json.Marshal(next)
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	// No change: decode what is stored.
	if raw == nil {
		return nil, nil
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", table, key, err)
	}
	return out, nil
}

// GetJSON reads and decodes one record.
func GetJSON[T any](ctx context.Context, kv KV, table, key string) (*T, error) {
	item, err := kv.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(item.Value, out); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", table, key, err)
	}
	return out, nil
}
