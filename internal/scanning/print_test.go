package scanning

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() ScanSummary {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return ScanSummary{
		ID:             "scan-1",
		Target:         "example.test",
		Address:        "192.0.2.1",
		State:          StateCompleted,
		TotalRequested: 4,
		Completed:      4,
		OpenPorts:      []uint16{22, 443},
		ClosedCount:    1,
		ErrorCount:     1,
		Errors:         map[uint16]string{8080: "network is unreachable"},
		StartedAt:      start,
		FinishedAt:     start.Add(1500 * time.Millisecond),
		Duration:       1500 * time.Millisecond,
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintSummary(&buf, sampleSummary()))

	out := buf.String()
	assert.Contains(t, out, "example.test (192.0.2.1)")
	assert.Contains(t, out, "443")
	assert.Contains(t, out, "network is unreachable")
	assert.Contains(t, out, "completed: 4/4 ports probed, 2 open, 1 closed, 1 errors in 1.5s")
}

func TestPrintSummaryPartialNoOpen(t *testing.T) {
	s := sampleSummary()
	s.OpenPorts = nil
	s.Errors = nil
	s.State = StateCancelled
	s.Partial = true

	var buf bytes.Buffer
	require.NoError(t, PrintSummary(&buf, s))
	assert.Contains(t, buf.String(), "No open ports found")
	assert.Contains(t, buf.String(), "cancelled (partial)")
}

func TestPrintSummaryJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintSummaryJSON(&buf, sampleSummary()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "scan-1", decoded["id"])
	assert.Equal(t, []any{float64(22), float64(443)}, decoded["open_ports"])
	assert.Equal(t, "completed", decoded["state"])
}
