// Package reservation holds the CreditReservation model and its state machine.
//
// DESIGN: Open -> Complete -> Settled, never backwards.
//   - Verify appends a generation exactly once (membership re-checked on every
//     updater run) and completes the record when the count reaches
//     ExpectedGenerationCount. The ids themselves are not checked against any
//     declared list: an unrelated id counts toward completion.
//   - Once Complete the verified set is frozen; late ids are ignored so the
//     total a settlement claimed cannot move underneath it.
//   - Claim/Release/MarkSettled guard Complete -> Settled with a token and a
//     lease so only one worker finalizes the ledger at a time.
package reservation

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status is the persisted lifecycle marker.
type Status string

const (
	StatusOpen     Status = "open"
	StatusComplete Status = "complete"
	StatusSettled  Status = "settled"
)

var (
	// ErrReservationNotFound is returned when the record does not exist (never
	// created, or expired by the external TTL).
	ErrReservationNotFound = errors.New("reservation: not found")
	ErrNotComplete         = errors.New("reservation: not complete")
	ErrAlreadySettled      = errors.New("reservation: already settled")
	ErrClaimHeld           = errors.New("reservation: settlement claimed by another worker")
	// ErrCostOverflow is returned when verified costs are negative or their sum
	// does not fit in int64.
	ErrCostOverflow = errors.New("reservation: verified costs outside the fixed-point range")
)

// CreditReservation is the unit of reconciliation. Amounts are fixed-point units.
type CreditReservation struct {
	ID                      string   `json:"id"`
	WorkspaceID             string   `json:"workspaceId"`
	ReservedAmount          int64    `json:"reservedAmount"`
	TokenUsageBasedCost     int64    `json:"tokenUsageBasedCost,omitempty"`
	ExpectedGenerationCount int      `json:"expectedGenerationCount,omitempty"`
	VerifiedGenerationIDs   []string `json:"verifiedGenerationIds"`
	VerifiedCosts           []int64  `json:"verifiedCosts"`

	Status      Status     `json:"status,omitempty"`
	TotalCost   int64      `json:"totalCost,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	SettleClaimToken string     `json:"settleClaimToken,omitempty"`
	SettleClaimedAt  *time.Time `json:"settleClaimedAt,omitempty"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

// Expected returns ExpectedGenerationCount, defaulting to 1 for records
// created before multi-generation support.
func (r *CreditReservation) Expected() int {
	if r.ExpectedGenerationCount < 1 {
		return 1
	}
	return r.ExpectedGenerationCount
}

// State derives the lifecycle state from the record.
func (r *CreditReservation) State() Status {
	switch {
	case r.Status == StatusSettled || r.SettledAt != nil:
		return StatusSettled
	case r.Status == StatusComplete || len(r.VerifiedGenerationIDs) >= r.Expected():
		return StatusComplete
	default:
		return StatusOpen
	}
}

// HasGeneration reports whether id was already verified.
func (r *CreditReservation) HasGeneration(id string) bool {
	for _, g := range r.VerifiedGenerationIDs {
		if g == id {
			return true
		}
	}
	return false
}

// SumVerified returns the sum of the per-generation costs.
func (r *CreditReservation) SumVerified() (int64, error) {
	var total int64
	for _, c := range r.VerifiedCosts {
		var err error
		if total, err = addCost(total, c); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func addCost(total, c int64) (int64, error) {
	if c < 0 || total > math.MaxInt64-c {
		return 0, fmt.Errorf("%w: %d + %d", ErrCostOverflow, total, c)
	}
	return total + c, nil
}

// Delta returns ReservedAmount - TotalCost: positive refunds, negative debits.
func (r *CreditReservation) Delta() int64 {
	return r.ReservedAmount - r.TotalCost
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// VerifyOutcome describes what Verify did.
type VerifyOutcome int

const (
	// Appended: the generation was recorded and the reservation is still open.
	Appended VerifyOutcome = iota
	// Completed: the generation was recorded and made the count reach the target.
	Completed
	// Duplicate: the generation was already recorded; nothing changed.
	Duplicate
	// Late: the reservation was already complete; the generation was ignored.
	Late
)

func (o VerifyOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Completed:
		return "completed"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

// Changed reports whether the record must be written.
func (o VerifyOutcome) Changed() bool {
	return o == Appended || o == Completed
}

// Verify merges one generation's cost into r in place.
func Verify(r *CreditReservation, generationID string, cost int64, now time.Time) (VerifyOutcome, error) {
	if r == nil {
		return 0, ErrReservationNotFound
	}
	if r.HasGeneration(generationID) {
		return Duplicate, nil
	}
	if r.State() != StatusOpen {
		return Late, nil
	}
	sum, err := r.SumVerified()
	if err == nil {
		sum, err = addCost(sum, cost)
	}
	if err != nil {
		return 0, err
	}

	r.VerifiedGenerationIDs = append(r.VerifiedGenerationIDs, generationID)
	r.VerifiedCosts = append(r.VerifiedCosts, cost)

	if len(r.VerifiedGenerationIDs) < r.Expected() {
		r.Status = StatusOpen
		return Appended, nil
	}

	r.Status = StatusComplete
	r.TotalCost = sum
	completedAt := now.UTC()
	r.CompletedAt = &completedAt
	return Completed, nil
}

// Claim takes the settlement lease. An existing claim older than ttl is
// considered abandoned and may be taken over.
func Claim(r *CreditReservation, token string, now time.Time, ttl time.Duration) error {
	if r == nil {
		return ErrReservationNotFound
	}
	switch r.State() {
	case StatusSettled:
		return ErrAlreadySettled
	case StatusOpen:
		return ErrNotComplete
	}
	if r.SettleClaimedAt != nil && now.Sub(*r.SettleClaimedAt) < ttl {
		return ErrClaimHeld
	}

	// Records completed by an older writer may lack the persisted total.
	if r.Status != StatusComplete {
		total, err := r.SumVerified()
		if err != nil {
			return err
		}
		r.Status = StatusComplete
		r.TotalCost = total
	}
	claimedAt := now.UTC()
	r.SettleClaimToken = token
	r.SettleClaimedAt = &claimedAt
	return nil
}

// Release drops the lease held by token. A lease taken over by someone else is
// left alone.
func Release(r *CreditReservation, token string) bool {
	if r == nil || r.State() == StatusSettled || r.SettleClaimToken != token {
		return false
	}
	r.SettleClaimToken = ""
	r.SettleClaimedAt = nil
	return true
}

// MarkSettled records a successful ledger write. The ledger is idempotent on
// the reservation id, so whichever claimant gets here first wins.
func MarkSettled(r *CreditReservation, now time.Time) error {
	if r == nil {
		return ErrReservationNotFound
	}
	switch r.State() {
	case StatusSettled:
		return ErrAlreadySettled
	case StatusOpen:
		return ErrNotComplete
	}
	settledAt := now.UTC()
	r.Status = StatusSettled
	r.SettledAt = &settledAt
	r.SettleClaimToken = ""
	r.SettleClaimedAt = nil
	return nil
}
