package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/monitoring"
)

// BatchResult is the partial-batch-failure report. Ids in FailedIDs are
// redelivered by the broker; every other id is considered done.
type BatchResult struct {
	SucceededIDs []string `json:"-"`
	FailedIDs    []string `json:"failedMessageIds"`
}

// Harness processes message batches with per-message isolation.
type Harness struct {
	engine      *Engine
	concurrency int
	metrics     *monitoring.MetricsCollector
}

// NewHarness creates a harness. concurrency <= 0 uses the default.
func NewHarness(engine *Engine, concurrency int, metrics *monitoring.MetricsCollector) *Harness {
	if concurrency <= 0 {
		concurrency = config.DefaultConcurrency
	}
	return &Harness{engine: engine, concurrency: concurrency, metrics: metrics}
}

// HandleBatch runs every message concurrently (bounded) and reports which ones
// failed. One message's failure never affects another.
func (h *Harness) HandleBatch(ctx context.Context, msgs []Message) BatchResult {
	errs := make([]error, len(msgs))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, m := range msgs {
		g.Go(func() error {
			errs[i] = h.handleOne(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		SucceededIDs: make([]string, 0, len(msgs)),
		FailedIDs:    make([]string, 0),
	}
	for i, m := range msgs {
		if errs[i] != nil {
			result.FailedIDs = append(result.FailedIDs, m.ID)
		} else {
			result.SucceededIDs = append(result.SucceededIDs, m.ID)
		}
	}

	log.Info().
		Int("batch_size", len(msgs)).
		Int("succeeded", len(result.SucceededIDs)).
		Int("failed", len(result.FailedIDs)).
		Msg("reconcile: batch processed")
	return result
}

// handleOne processes a single message, converting panics into failures.
func (h *Harness) handleOne(ctx context.Context, m Message) (err error) {
	msg, parseErr := ParseMessage(m.Body)
	mc := NewMessageContext(m.ID, msg)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			mc.Log.Error().Interface("panic", r).Msg("reconcile: message processing panicked")
		}
		h.record(mc, err)
	}()

	if parseErr != nil {
		return parseErr
	}
	return h.engine.Process(ctx, mc)
}

func (h *Harness) record(mc *MessageContext, err error) {
	permanent := err != nil && IsPermanent(err)
	h.metrics.RecordMessage(err == nil, permanent)

	elapsed := time.Since(mc.StartedAt)
	switch {
	case err == nil:
		mc.Log.Debug().Dur("elapsed", elapsed).Msg("reconcile: message processed")
	case permanent:
		mc.Log.Error().Err(err).Str("kind", classify(err)).Dur("elapsed", elapsed).
			Msg("reconcile: message failed permanently")
	default:
		mc.Log.Warn().Err(err).Str("kind", classify(err)).Dur("elapsed", elapsed).
			Msg("reconcile: message failed, will be redelivered")
	}
}
