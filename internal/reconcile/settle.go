package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/compresr/credit-reconciler/internal/ledger"
	"github.com/compresr/credit-reconciler/internal/monitoring"
	"github.com/compresr/credit-reconciler/internal/reservation"
)

// SettleResult describes what Settle did.
type SettleResult int

const (
	// Settled: this call finalized the ledger and marked the reservation.
	Settled SettleResult = iota
	// AlreadySettled: someone settled it before us.
	AlreadySettled
	// NotComplete: the reservation is still waiting for generations.
	NotComplete
)

// Committer moves a Complete reservation to Settled.
//
//  1. Claim the settlement lease (atomic; fails if settled or leased).
//  2. Ledger.Finalize with the claimed total (idempotent on reservation id).
//  3. Mark settled (atomic).
//
// If step 2 fails the lease is released and the reservation stays Complete, so
// a redelivery or the sweep can retry.
type Committer struct {
	reservations *reservation.Repository
	ledger       ledger.Ledger
	claimTTL     time.Duration
	metrics      *monitoring.MetricsCollector
	audit        *monitoring.AuditLog
	newToken     func() string
}

// NewCommitter creates a Committer.
func NewCommitter(reservations *reservation.Repository, l ledger.Ledger, claimTTL time.Duration, metrics *monitoring.MetricsCollector) *Committer {
	return &Committer{
		reservations: reservations,
		ledger:       l,
		claimTTL:     claimTTL,
		metrics:      metrics,
		newToken:     uuid.NewString,
	}
}

// WithAudit records every settlement attempt to a.
func (c *Committer) WithAudit(a *monitoring.AuditLog) *Committer {
	c.audit = a
	return c
}

// Settle settles reservation id.
func (c *Committer) Settle(ctx context.Context, logger zerolog.Logger, id string) (SettleResult, error) {
	token := c.newToken()

	res, err := c.reservations.Claim(ctx, id, token, c.claimTTL)
	switch {
	case errors.Is(err, reservation.ErrAlreadySettled):
		return AlreadySettled, nil
	case errors.Is(err, reservation.ErrNotComplete):
		return NotComplete, nil
	case err != nil:
		return 0, err
	}

	s := ledger.Settlement{
		ReservationID:  res.ID,
		WorkspaceID:    res.WorkspaceID,
		ReservedAmount: res.ReservedAmount,
		TotalCost:      res.TotalCost,
	}
	if err := c.ledger.Finalize(ctx, s); err != nil {
		c.metrics.RecordSettleFailure()
		c.audit.RecordSettlement(settlementEvent("settle_failed", s, len(res.VerifiedGenerationIDs), err))
		c.release(ctx, logger, id, token)
		return 0, fmt.Errorf("finalize ledger for %s: %w", id, err)
	}

	if _, err := c.reservations.MarkSettled(ctx, id); err != nil && !errors.Is(err, reservation.ErrAlreadySettled) {
		// The ledger holds the entry; a retry finalizes again as a no-op.
		c.release(ctx, logger, id, token)
		return 0, err
	}

	c.metrics.RecordSettlement(s.TotalCost, s.Delta())
	c.audit.RecordSettlement(settlementEvent("settled", s, len(res.VerifiedGenerationIDs), nil))
	logger.Info().
		Int64("reserved", s.ReservedAmount).
		Int64("total_cost", s.TotalCost).
		Int64("delta", s.Delta()).
		Int("generations", len(res.VerifiedGenerationIDs)).
		Msg("reconcile: settled reservation")
	return Settled, nil
}

func (c *Committer) release(ctx context.Context, logger zerolog.Logger, id, token string) {
	if err := c.reservations.Release(ctx, id, token); err != nil {
		logger.Warn().Err(err).Msg("reconcile: failed to release settlement claim, waiting for lease expiry")
	}
}

func settlementEvent(event string, s ledger.Settlement, generations int, err error) monitoring.SettlementEvent {
	ev := monitoring.SettlementEvent{
		Event:         event,
		ReservationID: s.ReservationID,
		WorkspaceID:   s.WorkspaceID,
		Reserved:      s.ReservedAmount,
		TotalCost:     s.TotalCost,
		Delta:         s.Delta(),
		Generations:   generations,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
