package scanning

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// staticResolver resolves every host to addr, or fails with err.
type staticResolver struct {
	addr  netip.Addr
	err   error
	calls atomic.Int32
}

func (r *staticResolver) Resolve(_ context.Context, _ string) (netip.Addr, error) {
	r.calls.Add(1)
	if r.err != nil {
		return netip.Addr{}, r.err
	}
	return r.addr, nil
}

func loopback() *staticResolver {
	return &staticResolver{addr: netip.MustParseAddr("127.0.0.1")}
}

// fakeProber answers from a table and tracks concurrency.
type fakeProber struct {
	outcomes map[uint16]Outcome
	delay    time.Duration
	// gate, when set, blocks every probe until it is closed.
	gate chan struct{}

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64

	mu    sync.Mutex
	ports []uint16
}

func (p *fakeProber) Probe(ctx context.Context, _ netip.Addr, port uint16, _ time.Duration) ProbeResult {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	p.mu.Lock()
	p.ports = append(p.ports, port)
	p.mu.Unlock()

	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ProbeResult{Port: port, Outcome: OutcomeError, Detail: ctx.Err().Error()}
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ProbeResult{Port: port, Outcome: OutcomeError, Detail: ctx.Err().Error()}
		}
	}

	outcome, ok := p.outcomes[port]
	if !ok {
		outcome = OutcomeClosed
	}
	r := ProbeResult{Port: port, Outcome: outcome}
	if outcome == OutcomeError {
		r.Detail = "synthetic failure"
	}
	return r
}

func (p *fakeProber) probedPorts() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint16(nil), p.ports...)
}

// recordingSink keeps every event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) OnEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, e := range s.events {
		if e.Kind == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func portsFrom(lo, hi int) PortRange {
	ports := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		ports = append(ports, p)
	}
	return MustPortRange(ports...)
}
