package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/reservation"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned int
	Settled int
	Failed  int
}

// Sweeper settles reservations that reached Complete but whose settlement
// failed and was never retried by a redelivery.
type Sweeper struct {
	reservations *reservation.Repository
	committer    *Committer
}

// NewSweeper creates a Sweeper.
func NewSweeper(reservations *reservation.Repository, committer *Committer) *Sweeper {
	return &Sweeper{reservations: reservations, committer: committer}
}

// Run scans every reservation once. Reservations with a live settlement lease
// are skipped; the next sweep picks them up if the holder died.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	ids, err := s.reservations.IDs(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: list reservations: %w", err)
	}

	var result SweepResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		res, err := s.reservations.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("reservation_id", id).Msg("sweep: read failed")
			result.Failed++
			continue
		}
		if res.State() != reservation.StatusComplete {
			continue
		}

		logger := log.With().Str("reservation_id", id).Str("workspace_id", res.WorkspaceID).Logger()
		outcome, err := s.committer.Settle(ctx, logger, id)
		switch {
		case errors.Is(err, reservation.ErrClaimHeld):
			logger.Debug().Msg("sweep: settlement in progress elsewhere")
		case err != nil:
			logger.Warn().Err(err).Msg("sweep: settlement failed")
			result.Failed++
		case outcome == Settled:
			result.Settled++
		}
	}

	log.Info().
		Int("scanned", result.Scanned).
		Int("settled", result.Settled).
		Int("failed", result.Failed).
		Msg("sweep: finished")
	return result, nil
}
