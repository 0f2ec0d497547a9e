// Package reconcile is the per-message reconciliation pipeline.
//
// DESIGN: Every step is idempotent, so any failure before settlement simply
// fails the message and lets the broker redeliver it. Annotation runs after
// settlement and can never fail the message.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/compresr/credit-reconciler/internal/conversation"
	"github.com/compresr/credit-reconciler/internal/monitoring"
	"github.com/compresr/credit-reconciler/internal/reservation"
	"github.com/compresr/credit-reconciler/internal/upstream"
)

// CostFetcher resolves the cost of one generation.
type CostFetcher interface {
	FetchCost(ctx context.Context, generationID string) (upstream.Cost, error)
}

// Annotator stamps a resolved cost onto a conversation.
type Annotator interface {
	Annotate(ctx context.Context, ref conversation.Ref, generationID string, finalCost int64) (conversation.Result, error)
}

// Engine runs the pipeline for one message.
type Engine struct {
	costs        CostFetcher
	reservations *reservation.Repository
	committer    *Committer
	annotator    Annotator
	metrics      *monitoring.MetricsCollector
}

// NewEngine wires the pipeline. annotator may be nil.
func NewEngine(costs CostFetcher, reservations *reservation.Repository, committer *Committer, annotator Annotator, metrics *monitoring.MetricsCollector) *Engine {
	return &Engine{
		costs:        costs,
		reservations: reservations,
		committer:    committer,
		annotator:    annotator,
		metrics:      metrics,
	}
}

// Process handles one validated message.
func (e *Engine) Process(ctx context.Context, mc *MessageContext) error {
	msg := mc.Msg

	cost, err := e.costs.FetchCost(ctx, msg.GenerationID)
	if err != nil {
		return fmt.Errorf("fetch cost: %w", err)
	}
	mc.Log.Debug().
		Str("raw_usd", cost.RawUSD.String()).
		Int64("cost", cost.Units).
		Int("attempts", cost.Attempts).
		Msg("reconcile: cost resolved")

	if !msg.HasReservation() {
		e.metrics.RecordCostOnly()
		e.annotate(ctx, mc, cost.Units)
		return nil
	}

	res, outcome, err := e.reservations.Verify(ctx, msg.ReservationID, msg.GenerationID, cost.Units)
	if err != nil {
		return err
	}
	e.metrics.RecordGeneration(outcome == reservation.Duplicate)

	switch outcome {
	case reservation.Duplicate:
		mc.Log.Info().Msg("reconcile: generation already verified")
	case reservation.Late:
		mc.Log.Warn().
			Int("expected", res.Expected()).
			Msg("reconcile: generation arrived after reservation completed, cost ignored")
	default:
		mc.Log.Info().
			Str("outcome", outcome.String()).
			Int("verified", len(res.VerifiedGenerationIDs)).
			Int("expected", res.Expected()).
			Msg("reconcile: generation verified")
	}

	// A redelivered message retries a settlement that failed earlier.
	if res.State() == reservation.StatusComplete {
		if _, err := e.committer.Settle(ctx, mc.Log, res.ID); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	}

	e.annotate(ctx, mc, cost.Units)
	return nil
}

// annotate is best effort: errors and panics are logged and swallowed.
func (e *Engine) annotate(ctx context.Context, mc *MessageContext, finalCost int64) {
	if e.annotator == nil {
		return
	}
	ref, ok := mc.Msg.ConversationRef()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordAnnotation(false)
			mc.Log.Error().Interface("panic", r).Msg("reconcile: conversation annotation panicked")
		}
	}()

	result, err := e.annotator.Annotate(ctx, ref, mc.Msg.GenerationID, finalCost)
	if err != nil {
		e.metrics.RecordAnnotation(false)
		mc.Log.Warn().Err(err).Str("conversation_id", ref.ConversationID).Msg("reconcile: conversation annotation failed")
		return
	}
	switch result {
	case conversation.Stamped, conversation.Unchanged:
		e.metrics.RecordAnnotation(true)
	case conversation.NotFound:
		mc.Log.Info().Str("conversation_id", ref.ConversationID).Msg("reconcile: conversation not found, skipping annotation")
	case conversation.NoMatch:
		mc.Log.Info().Str("conversation_id", ref.ConversationID).Msg("reconcile: no conversation entry for generation")
	}
}

// classify labels an error for logs.
func classify(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return "validation"
	case upstream.IsNotFound(err):
		return "upstream_not_found"
	case errors.Is(err, upstream.ErrMissingCostField), errors.Is(err, upstream.ErrInvalidCost):
		return "upstream_malformed"
	case errors.Is(err, reservation.ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, reservation.ErrClaimHeld):
		return "settlement_in_progress"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
