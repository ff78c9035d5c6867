package scanning

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

// portSet is a bitset over the 16-bit port space.
type portSet [1 << 10]uint64

func (s *portSet) add(p uint16) bool {
	word, bit := p>>6, uint64(1)<<(p&63)
	if s[word]&bit != 0 {
		return false
	}
	s[word] |= bit
	return true
}

// Aggregator folds probe results into a ScanSummary. Results may arrive in
// any order; each port is accepted once.
type Aggregator struct {
	mu        sync.Mutex
	ports     PortRange
	seen      portSet
	summary   ScanSummary
	finalized bool
}

// NewAggregator starts a summary from header for the given ports.
// Counters, open ports and errors in header are ignored.
func NewAggregator(header ScanSummary, ports PortRange) *Aggregator {
	header.TotalRequested = ports.Len()
	header.Completed = 0
	header.OpenPorts = []uint16{}
	header.ClosedCount = 0
	header.ErrorCount = 0
	header.Duplicates = 0
	header.Errors = nil
	if header.StartedAt.IsZero() {
		header.StartedAt = time.Now()
	}
	return &Aggregator{ports: ports, summary: header}
}

// OnResult records r. A second result for the same port, or a result for a
// port outside the range, is rejected with CodeDuplicateResult and leaves
// the recorded outcome untouched.
func (a *Aggregator) OnResult(r ProbeResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return errors.NewScanError(errors.CodeConflict, "summary already finalized")
	}
	if !a.ports.Contains(r.Port) || !a.seen.add(r.Port) {
		a.summary.Duplicates++
		return errors.ErrDuplicateResult(r.Port)
	}

	a.summary.Completed++
	switch r.Outcome {
	case OutcomeOpen:
		a.summary.OpenPorts = append(a.summary.OpenPorts, r.Port)
	case OutcomeClosed:
		a.summary.ClosedCount++
	default:
		a.summary.ErrorCount++
		if a.summary.Errors == nil {
			a.summary.Errors = make(map[uint16]string)
		}
		a.summary.Errors[r.Port] = r.Detail
	}
	return nil
}

// Progress returns completed and total port counts.
func (a *Aggregator) Progress() (completed, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary.Completed, a.summary.TotalRequested
}

// Snapshot returns a copy of the running summary.
func (a *Aggregator) Snapshot() ScanSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copySummary()
}

// Finalize closes the summary with the terminal state. It may be called once.
func (a *Aggregator) Finalize(state State, finishedAt time.Time) (ScanSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return ScanSummary{}, errors.NewScanError(errors.CodeConflict, "summary already finalized")
	}
	a.finalized = true

	a.summary.State = state
	a.summary.FinishedAt = finishedAt
	a.summary.Duration = finishedAt.Sub(a.summary.StartedAt)
	a.summary.Partial = state == StateCancelled || a.summary.Completed < a.summary.TotalRequested
	return a.copySummary(), nil
}

func (a *Aggregator) copySummary() ScanSummary {
	s := a.summary
	s.OpenPorts = slices.Clone(a.summary.OpenPorts)
	slices.Sort(s.OpenPorts)
	s.Errors = maps.Clone(a.summary.Errors)
	return s
}
