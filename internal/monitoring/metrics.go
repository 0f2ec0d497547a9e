// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - messages:     received, succeeded, failed (and how many failures were permanent)
//   - generations:  verified, duplicate re-deliveries, cost-only (no reservation)
//   - settlements:  count plus refunded/debited totals in fixed-point units
//   - upstream:     lookup attempts and exhausted lookups
//   - store:        optimistic-concurrency conflicts
//   - annotations:  conversation cost stamps and swallowed failures
//
// Counters are safe for concurrent use from every message goroutine.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Message counters
	messagesReceived  atomic.Int64
	messagesSucceeded atomic.Int64
	messagesFailed    atomic.Int64
	permanentFailures atomic.Int64

	// Generation counters
	generationsVerified  atomic.Int64
	duplicateGenerations atomic.Int64
	costOnlyMessages     atomic.Int64

	// Settlement counters (fixed-point units)
	settlements     atomic.Int64
	settleFailures  atomic.Int64
	refundedUnits   atomic.Int64
	debitedUnits    atomic.Int64
	settledCostUnit atomic.Int64

	// Dependency counters
	upstreamAttempts   atomic.Int64
	upstreamExhausted  atomic.Int64
	storeConflicts     atomic.Int64
	annotations        atomic.Int64
	annotationFailures atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordMessage records the outcome of one inbound message.
func (mc *MetricsCollector) RecordMessage(success, permanent bool) {
	if mc == nil {
		return
	}
	mc.messagesReceived.Add(1)
	switch {
	case success:
		mc.messagesSucceeded.Add(1)
	case permanent:
		mc.messagesFailed.Add(1)
		mc.permanentFailures.Add(1)
	default:
		mc.messagesFailed.Add(1)
	}
}

// RecordGeneration records a verified generation; duplicate marks an idempotent re-delivery.
func (mc *MetricsCollector) RecordGeneration(duplicate bool) {
	if mc == nil {
		return
	}
	if duplicate {
		mc.duplicateGenerations.Add(1)
		return
	}
	mc.generationsVerified.Add(1)
}

// RecordCostOnly records a message that carried no reservation.
func (mc *MetricsCollector) RecordCostOnly() {
	if mc == nil {
		return
	}
	mc.costOnlyMessages.Add(1)
}

// RecordSettlement records a committed settlement. delta = reserved - total.
func (mc *MetricsCollector) RecordSettlement(totalCost, delta int64) {
	if mc == nil {
		return
	}
	mc.settlements.Add(1)
	mc.settledCostUnit.Add(totalCost)
	switch {
	case delta > 0:
		mc.refundedUnits.Add(delta)
	case delta < 0:
		mc.debitedUnits.Add(-delta)
	}
}

// RecordSettleFailure records a rejected ledger write.
func (mc *MetricsCollector) RecordSettleFailure() {
	if mc == nil {
		return
	}
	mc.settleFailures.Add(1)
}

// RecordUpstreamAttempt records one call to the metering endpoint.
func (mc *MetricsCollector) RecordUpstreamAttempt() {
	if mc == nil {
		return
	}
	mc.upstreamAttempts.Add(1)
}

// RecordUpstreamExhausted records a lookup that failed after every retry.
func (mc *MetricsCollector) RecordUpstreamExhausted() {
	if mc == nil {
		return
	}
	mc.upstreamExhausted.Add(1)
}

// RecordStoreConflict records one optimistic write that lost a race.
func (mc *MetricsCollector) RecordStoreConflict() {
	if mc == nil {
		return
	}
	mc.storeConflicts.Add(1)
}

// RecordAnnotation records a conversation annotation attempt.
func (mc *MetricsCollector) RecordAnnotation(success bool) {
	if mc == nil {
		return
	}
	if success {
		mc.annotations.Add(1)
		return
	}
	mc.annotationFailures.Add(1)
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns current metrics as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"messages_received":     mc.messagesReceived.Load(),
		"messages_succeeded":    mc.messagesSucceeded.Load(),
		"messages_failed":       mc.messagesFailed.Load(),
		"permanent_failures":    mc.permanentFailures.Load(),
		"generations_verified":  mc.generationsVerified.Load(),
		"duplicate_generations": mc.duplicateGenerations.Load(),
		"settlements":           mc.settlements.Load(),
		"upstream_attempts":     mc.upstreamAttempts.Load(),
		"store_conflicts":       mc.storeConflicts.Load(),
		"annotation_failures":   mc.annotationFailures.Load(),
	}
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Messages: MessageStats{
			Received:          mc.messagesReceived.Load(),
			Succeeded:         mc.messagesSucceeded.Load(),
			Failed:            mc.messagesFailed.Load(),
			PermanentFailures: mc.permanentFailures.Load(),
		},
		Generations: GenerationStats{
			Verified:   mc.generationsVerified.Load(),
			Duplicates: mc.duplicateGenerations.Load(),
			CostOnly:   mc.costOnlyMessages.Load(),
		},
		Settlements: SettlementStats{
			Committed:      mc.settlements.Load(),
			Failed:         mc.settleFailures.Load(),
			TotalCostUnits: mc.settledCostUnit.Load(),
			RefundedUnits:  mc.refundedUnits.Load(),
			DebitedUnits:   mc.debitedUnits.Load(),
		},
		Dependencies: DependencyStats{
			UpstreamAttempts:   mc.upstreamAttempts.Load(),
			UpstreamExhausted:  mc.upstreamExhausted.Load(),
			StoreConflicts:     mc.storeConflicts.Load(),
			Annotations:        mc.annotations.Load(),
			AnnotationFailures: mc.annotationFailures.Load(),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string          `json:"uptime"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartedAt     string          `json:"started_at"`
	Messages      MessageStats    `json:"messages"`
	Generations   GenerationStats `json:"generations"`
	Settlements   SettlementStats `json:"settlements"`
	Dependencies  DependencyStats `json:"dependencies"`
}

// MessageStats holds inbound message counts.
type MessageStats struct {
	Received          int64 `json:"received"`
	Succeeded         int64 `json:"succeeded"`
	Failed            int64 `json:"failed"`
	PermanentFailures int64 `json:"permanent_failures"`
}

// GenerationStats holds per-generation verification counts.
type GenerationStats struct {
	Verified   int64 `json:"verified"`
	Duplicates int64 `json:"duplicates"`
	CostOnly   int64 `json:"cost_only"`
}

// SettlementStats holds ledger settlement totals in fixed-point units.
type SettlementStats struct {
	Committed      int64 `json:"committed"`
	Failed         int64 `json:"failed"`
	TotalCostUnits int64 `json:"total_cost_units"`
	RefundedUnits  int64 `json:"refunded_units"`
	DebitedUnits   int64 `json:"debited_units"`
}

// DependencyStats holds upstream/store/annotation counters.
type DependencyStats struct {
	UpstreamAttempts   int64 `json:"upstream_attempts"`
	UpstreamExhausted  int64 `json:"upstream_exhausted"`
	StoreConflicts     int64 `json:"store_conflicts"`
	Annotations        int64 `json:"annotations"`
	AnnotationFailures int64 `json:"annotation_failures"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
