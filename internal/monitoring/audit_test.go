package monitoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "settlements.jsonl")
	a, err := NewAuditLog(path)
	require.NoError(t, err)

	a.RecordSettlement(SettlementEvent{Event: "settled", ReservationID: "res-1", Reserved: 10, TotalCost: 4, Delta: 6})
	a.RecordSettlement(SettlementEvent{Event: "settle_failed", ReservationID: "res-2", Error: "ledger down"})
	require.NoError(t, a.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []SettlementEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev SettlementEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "res-1", events[0].ReservationID)
	assert.Equal(t, int64(6), events[0].Delta)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, "ledger down", events[1].Error)
}

func TestAuditLog_NilIsNoop(t *testing.T) {
	var a *AuditLog
	a.RecordSettlement(SettlementEvent{ReservationID: "res-1"})
	assert.NoError(t, a.Close())
}
