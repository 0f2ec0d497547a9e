// Package retry provides bounded exponential backoff with jitter.
//
// DESIGN: A Policy is a small value object injected wherever an operation talks
// to something that can fail transiently. It performs no I/O of its own: it only
// sleeps between attempts and invokes the operation. Callers decide which errors
// are terminal by wrapping them with Permanent (or by supplying a Classifier).
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/compresr/credit-reconciler/internal/config"
)

// Policy configures Do.
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // sleep before the second attempt
	MaxDelay     time.Duration // cap applied before jitter
	Multiplier   float64       // growth factor between attempts
	Jitter       float64       // upper bound of the random fraction added (0.2 = 0-20%)

	// Retryable classifies errors not already marked Permanent.
	// nil means every such error is retryable.
	Retryable func(error) bool

	// OnRetry is called before each sleep. Optional.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Test seams. Zero values use time-based sleeping and math/rand/v2.
	Sleep  func(ctx context.Context, d time.Duration) error
	Random func() float64
}

// FromConfig builds a Policy from the retry config section.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops immediately. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, returns a terminal error, or MaxAttempts is
// exhausted. The last error is returned unchanged (Permanent wrapping included).
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// Delay returns the sleep after the given 1-based attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay) plus 0..Jitter of that value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	base := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	jitter := 0.0
	if p.Jitter > 0 {
		jitter = base * p.Jitter * p.random()
	}
	return time.Duration(base + jitter)
}

func (p Policy) random() float64 {
	if p.Random != nil {
		return p.Random()
	}
	return rand.Float64()
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
