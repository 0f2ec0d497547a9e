package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(slept *[]time.Duration) Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		Random:       func() float64 { return 0 },
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, slept)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	notFound := errors.New("not found")

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(notFound)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, notFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDo_ClassifierStopsOnTerminal(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	terminal := errors.New("terminal")
	p.Retryable = func(err error) bool { return !errors.Is(err, terminal) }

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return terminal
	})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("attempt " + string(rune('0'+calls)))
	})

	require.Error(t, err)
	assert.Equal(t, "attempt 3", err.Error())
	assert.Equal(t, 3, calls)
	assert.Len(t, slept, 2)
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay_CapAndJitter(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		random  float64
		want    time.Duration
	}{
		{"first no jitter", 1, 0, 500 * time.Millisecond},
		{"second no jitter", 2, 0, time.Second},
		{"fourth no jitter", 4, 0, 4 * time.Second},
		{"capped", 6, 0, 5 * time.Second},
		{"first full jitter", 1, 1, 600 * time.Millisecond},
		{"capped full jitter", 10, 1, 6 * time.Second},
		{"half jitter", 2, 0.5, 1100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
				Random:       func() float64 { return tt.random },
			}
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("x")))
}
