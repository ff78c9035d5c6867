package scanning

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

// Prober performs a single bounded connect attempt. Implementations must
// return a result for every call and never panic on network errors.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr, port uint16, timeout time.Duration) ProbeResult
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr netip.Addr, port uint16, timeout time.Duration) ProbeResult

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, addr netip.Addr, port uint16, timeout time.Duration) ProbeResult {
	return f(ctx, addr, port, timeout)
}

// TCPProber probes with a full TCP handshake.
type TCPProber struct{}

// Probe implements Prober. A completed handshake is Open; refusal or
// timeout is Closed; anything else is Error with the cause in Detail.
func (TCPProber) Probe(ctx context.Context, addr netip.Addr, port uint16, timeout time.Duration) ProbeResult {
	start := time.Now()
	result := ProbeResult{Port: port}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, port).String())
	if err == nil {
		defer conn.Close()
		result.Outcome = OutcomeOpen
	} else {
		result.Outcome, result.Detail = classifyDialError(addr, port, err)
	}
	result.Duration = time.Since(start)
	return result
}

func classifyDialError(addr netip.Addr, port uint16, err error) (Outcome, string) {
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return OutcomeClosed, "connection refused"
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeClosed, "timeout"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return OutcomeClosed, "timeout"
	}
	return OutcomeError, errors.NewProbeError(addr.String(), port, err).Error()
}
