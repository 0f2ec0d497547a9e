package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/compresr/credit-reconciler/internal/store"
)

// Repository applies the transitions to stored reservations.
type Repository struct {
	updater *store.Updater
	table   string
	now     func() time.Time
}

// NewRepository stores reservations in table.
func NewRepository(updater *store.Updater, table string) *Repository {
	return &Repository{updater: updater, table: table, now: time.Now}
}

// WithClock replaces the wall clock (tests).
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Create stores a new reservation. Reservations are normally created by the
// billing API before the agent call; this is used by tooling and tests.
func (r *Repository) Create(ctx context.Context, res *CreditReservation) error {
	_, err := store.AtomicUpdate(ctx, r.updater, r.table, res.ID, func(cur *CreditReservation) (*CreditReservation, error) {
		if cur != nil {
			return nil, fmt.Errorf("reservation %s already exists", res.ID)
		}
		out := *res
		if out.Status == "" {
			out.Status = StatusOpen
		}
		return &out, nil
	})
	return err
}

// Get reads a reservation.
func (r *Repository) Get(ctx context.Context, id string) (*CreditReservation, error) {
	res, err := store.GetJSON[CreditReservation](ctx, r.updater.KV(), r.table, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return res, err
}

// Verify records a generation's cost. The returned reservation is the stored
// state after the call.
func (r *Repository) Verify(ctx context.Context, id, generationID string, cost int64) (*CreditReservation, VerifyOutcome, error) {
	var outcome VerifyOutcome
	res, err := store.AtomicUpdate(ctx, r.updater, r.table, id, func(cur *CreditReservation) (*CreditReservation, error) {
		o, err := Verify(cur, generationID, cost, r.now())
		if err != nil {
			return nil, err
		}
		outcome = o
		if !o.Changed() {
			return nil, store.ErrNoChange
		}
		return cur, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("verify %s on %s: %w", generationID, id, err)
	}
	return res, outcome, nil
}

// Claim takes the settlement lease for token.
func (r *Repository) Claim(ctx context.Context, id, token string, ttl time.Duration) (*CreditReservation, error) {
	res, err := store.AtomicUpdate(ctx, r.updater, r.table, id, func(cur *CreditReservation) (*CreditReservation, error) {
		if err := Claim(cur, token, r.now(), ttl); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	return res, nil
}

// Release drops the lease held by token, if it is still ours.
func (r *Repository) Release(ctx context.Context, id, token string) error {
	_, err := store.AtomicUpdate(ctx, r.updater, r.table, id, func(cur *CreditReservation) (*CreditReservation, error) {
		if !Release(cur, token) {
			return nil, store.ErrNoChange
		}
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// MarkSettled records the completed ledger write.
func (r *Repository) MarkSettled(ctx context.Context, id string) (*CreditReservation, error) {
	res, err := store.AtomicUpdate(ctx, r.updater, r.table, id, func(cur *CreditReservation) (*CreditReservation, error) {
		if err := MarkSettled(cur, r.now()); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark settled %s: %w", id, err)
	}
	return res, nil
}

// IDs lists every stored reservation id. The backend must implement store.Lister.
func (r *Repository) IDs(ctx context.Context) ([]string, error) {
	l, ok := r.updater.KV().(store.Lister)
	if !ok {
		return nil, fmt.Errorf("reservation: store backend cannot list keys")
	}
	return l.Keys(ctx, r.table)
}
