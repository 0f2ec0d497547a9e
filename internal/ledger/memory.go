package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process ledger.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]Entry
	balances map[string]int64
	calls    int
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]Entry),
		balances: make(map[string]int64),
	}
}

// Finalize records the settlement unless one already exists for the reservation.
func (m *Memory) Finalize(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if _, ok := m.entries[s.ReservationID]; ok {
		return nil
	}
	m.entries[s.ReservationID] = Entry{
		ID:             uuid.NewString(),
		ReservationID:  s.ReservationID,
		WorkspaceID:    s.WorkspaceID,
		ReservedAmount: s.ReservedAmount,
		TotalCost:      s.TotalCost,
		Delta:          s.Delta(),
		CreatedAt:      time.Now().UTC(),
	}
	m.balances[s.WorkspaceID] += s.Delta()
	return nil
}

// Entry returns the entry for a reservation.
func (m *Memory) Entry(reservationID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[reservationID]
	return e, ok
}

// Entries returns the number of committed settlements.
func (m *Memory) Entries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Balance returns the net adjustment applied to a workspace.
func (m *Memory) Balance(workspaceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[workspaceID]
}

// Calls returns how many times Finalize was invoked, duplicates included.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
