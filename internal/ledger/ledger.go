// Package ledger commits settlements to the workspace balance.
//
// DESIGN: Every backend is idempotent on the reservation id. A second Finalize
// for the same reservation is a successful no-op, so a worker that crashed
// between the ledger write and marking the reservation settled can safely
// finalize again.
package ledger

import (
	"context"
	"time"
)

// Settlement is the request to reconcile one reservation.
type Settlement struct {
	ReservationID  string `json:"reservationId"`
	WorkspaceID    string `json:"workspaceId"`
	ReservedAmount int64  `json:"reservedAmount"`
	TotalCost      int64  `json:"totalCost"`
}

// Delta is the signed balance adjustment: positive refunds the unused hold,
// negative debits the overrun.
func (s Settlement) Delta() int64 {
	return s.ReservedAmount - s.TotalCost
}

// Entry is a committed settlement.
type Entry struct {
	ID             string    `json:"id"`
	ReservationID  string    `json:"reservationId"`
	WorkspaceID    string    `json:"workspaceId"`
	ReservedAmount int64     `json:"reservedAmount"`
	TotalCost      int64     `json:"totalCost"`
	Delta          int64     `json:"delta"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Ledger applies settlements.
type Ledger interface {
	// Finalize applies s.Delta() to the workspace balance exactly once per
	// reservation id.
	Finalize(ctx context.Context, s Settlement) error
}
