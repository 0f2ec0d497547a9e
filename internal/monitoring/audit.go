// Package monitoring - audit.go records settlement events to a JSONL file.
//
// DESIGN: One JSON object per line, appended as each event happens:
//   - SettlementEvent: a reservation committed to the ledger (or a failed attempt)
//
// The file is an operator trail, not a source of truth: the ledger is.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SettlementEvent is one settlement attempt. Amounts are fixed-point units.
type SettlementEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Event         string    `json:"event"` // settled, settle_failed
	ReservationID string    `json:"reservation_id"`
	WorkspaceID   string    `json:"workspace_id"`
	Reserved      int64     `json:"reserved"`
	TotalCost     int64     `json:"total_cost"`
	Delta         int64     `json:"delta"`
	Generations   int       `json:"generations"`
	Error         string    `json:"error,omitempty"`
}

// AuditLog appends settlement events. A nil *AuditLog discards everything.
type AuditLog struct {
	path   string
	events int
	mu     sync.Mutex
}

// NewAuditLog creates the file (and its directory) at path.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &AuditLog{path: path}, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordSettlement appends ev. Write errors are logged, never returned.
func (a *AuditLog) RecordSettlement(ev SettlementEvent) {
	if a == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := appendJSONL(a.path, ev); err != nil {
		log.Error().Err(err).Str("path", a.path).Msg("audit: failed to write settlement event")
		return
	}
	a.events++
}

// Close logs a summary.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.events > 0 {
		log.Info().Str("path", a.path).Int("events", a.events).Msg("audit: session complete")
	}
	return nil
}
