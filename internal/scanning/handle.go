package scanning

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

// ScanHandle controls a running scan.
type ScanHandle struct {
	id        string
	req       ScanRequest
	addr      netip.Addr
	startedAt time.Time

	agg     *Aggregator
	results chan ProbeResult
	cancel  context.CancelFunc

	cancelled atomic.Bool
	done      chan struct{}

	mu      sync.RWMutex
	state   State
	summary *ScanSummary
	err     error
}

func newHandle(id string, req ScanRequest) *ScanHandle {
	return &ScanHandle{
		id:        id,
		req:       req,
		startedAt: time.Now(),
		results:   make(chan ProbeResult, req.Ports.Len()),
		cancel:    func() {},
		done:      make(chan struct{}),
		state:     StateIdle,
	}
}

// ID returns the scan identifier.
func (h *ScanHandle) ID() string {
	return h.id
}

// Target returns the requested target.
func (h *ScanHandle) Target() string {
	return h.req.Target
}

// Address returns the resolved address.
func (h *ScanHandle) Address() netip.Addr {
	return h.addr
}

// StartedAt returns when the scan was started.
func (h *ScanHandle) StartedAt() time.Time {
	return h.startedAt
}

// Request returns the effective scan parameters.
func (h *ScanHandle) Request() ScanRequest {
	return h.req
}

// State returns the current lifecycle state.
func (h *ScanHandle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *ScanHandle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() {
		h.state = s
	}
}

// Results streams accepted probe results in completion order. The same
// channel is returned on every call, so results can be consumed only once.
// It is buffered for the whole range: a scan never waits for a reader.
// The channel is closed when the scan ends.
func (h *ScanHandle) Results() <-chan ProbeResult {
	return h.results
}

// Cancel stops dispatching new probes. It is safe to call more than once
// and after the scan finished.
func (h *ScanHandle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

func (h *ScanHandle) cancelRequested() bool {
	return h.cancelled.Load()
}

// Done is closed once the scan reached a terminal state.
func (h *ScanHandle) Done() <-chan struct{} {
	return h.done
}

// Progress returns completed and total port counts.
func (h *ScanHandle) Progress() (completed, total int) {
	if h.agg == nil {
		return 0, h.req.Ports.Len()
	}
	return h.agg.Progress()
}

// Snapshot returns the summary so far. Once the scan ended it equals Summary.
func (h *ScanHandle) Snapshot() ScanSummary {
	h.mu.RLock()
	if h.summary != nil {
		defer h.mu.RUnlock()
		return *h.summary
	}
	state := h.state
	h.mu.RUnlock()

	if h.agg == nil {
		return ScanSummary{ID: h.id, Target: h.req.Target, State: state, StartedAt: h.startedAt}
	}
	s := h.agg.Snapshot()
	s.State = state
	return s
}

// Summary returns the final summary. It fails with CodeScanInProgress until
// the scan completed or was cancelled.
func (h *ScanHandle) Summary() (ScanSummary, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.summary == nil {
		return ScanSummary{}, errors.ErrScanInProgress(h.id)
	}
	return *h.summary, nil
}

// Err returns a *errors.CancellationError for cancelled scans and nil
// otherwise.
func (h *ScanHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Wait blocks until the scan ends or ctx is done.
func (h *ScanHandle) Wait(ctx context.Context) (ScanSummary, error) {
	select {
	case <-h.done:
		s, _ := h.Summary()
		return s, h.Err()
	case <-ctx.Done():
		return ScanSummary{}, ctx.Err()
	}
}

func (h *ScanHandle) finish(summary ScanSummary, err error) {
	h.mu.Lock()
	h.summary = &summary
	h.err = err
	h.mu.Unlock()

	close(h.results)
	close(h.done)
}

func (h *ScanHandle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}
