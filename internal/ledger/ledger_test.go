package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/credit-reconciler/internal/retry"
)

func refund() Settlement {
	return Settlement{ReservationID: "res-1", WorkspaceID: "ws-1", ReservedAmount: 10_000_000, TotalCost: 4_747_500}
}

func TestSettlement_Delta(t *testing.T) {
	assert.Equal(t, int64(5_252_500), refund().Delta())
	assert.Equal(t, int64(-250), Settlement{ReservedAmount: 1000, TotalCost: 1250}.Delta())
	assert.Equal(t, int64(0), Settlement{ReservedAmount: 7, TotalCost: 7}.Delta())
}

func TestMemory_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	require.NoError(t, l.Finalize(ctx, refund()))
	require.NoError(t, l.Finalize(ctx, refund()))

	assert.Equal(t, 1, l.Entries())
	assert.Equal(t, 2, l.Calls())
	assert.Equal(t, int64(5_252_500), l.Balance("ws-1"))

	e, ok := l.Entry("res-1")
	require.True(t, ok)
	assert.Equal(t, int64(5_252_500), e.Delta)
}

func TestSQLite_FinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	require.NoError(t, l.Finalize(ctx, refund()))
	require.NoError(t, l.Finalize(ctx, refund()))
	require.NoError(t, l.Finalize(ctx, Settlement{ReservationID: "res-2", WorkspaceID: "ws-1", ReservedAmount: 1_000, TotalCost: 3_000}))

	balance, err := l.Balance(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_252_500-2_000), balance)

	e, ok, err := l.Entry(ctx, "res-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4_747_500), e.TotalCost)
	assert.False(t, e.CreatedAt.IsZero())

	_, ok, err = l.Entry(ctx, "res-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err = l.Balance(ctx, "ws-unknown")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestSQLite_ConcurrentFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Finalize(ctx, refund()))
		}()
	}
	wg.Wait()

	balance, err := l.Balance(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_252_500), balance)
}

// =============================================================================
// HTTP
// =============================================================================

func noSleepPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func TestHTTP_Finalize(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/reservations/res-1/finalize", r.URL.Path)
		assert.Equal(t, "res-1:settled", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer ledger-key-123456", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	l := NewHTTP(srv.URL+"/v1/", "ledger-key-123456", WithRetryPolicy(noSleepPolicy()))
	require.NoError(t, l.Finalize(context.Background(), refund()))

	assert.Equal(t, "res-1", got["reservationId"])
	assert.Equal(t, "ws-1", got["workspaceId"])
	assert.EqualValues(t, 4_747_500, got["totalCost"])
	assert.EqualValues(t, 5_252_500, got["delta"])
}

func TestHTTP_StatusHandling(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		permanent bool
		wantCalls int32
	}{
		{"conflict is success", []int{http.StatusConflict}, false, false, 1},
		{"retry then ok", []int{http.StatusServiceUnavailable, http.StatusOK}, false, false, 2},
		{"rate limited exhausted", []int{http.StatusTooManyRequests}, true, false, 3},
		{"bad request is permanent", []int{http.StatusBadRequest}, true, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				if n >= len(tt.statuses) {
					n = len(tt.statuses) - 1
				}
				w.WriteHeader(tt.statuses[n])
				_, _ = w.Write([]byte(`{"error":"x"}`))
			}))
			defer srv.Close()

			l := NewHTTP(srv.URL, "", WithRetryPolicy(noSleepPolicy()))
			err := l.Finalize(context.Background(), refund())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.permanent, retry.IsPermanent(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}
