// Package scanning implements the TCP connect-scan engine.
//
// A scan moves through Idle, Resolving and Scanning to one of the terminal
// states Completed, Failed (the target could not be resolved) or Cancelled.
//
// # Components
//
//   - Resolver turns the target into an address once per scan. SystemResolver
//     uses the host resolver, DNSResolver asks a specific DNS server.
//   - Generate yields the ports of a PortRange exactly once, sequentially or
//     in a seeded shuffle.
//   - Prober performs a single bounded connect. TCPProber classifies the
//     result as open, closed (refused or timed out) or error.
//   - Scheduler dispatches probes through a Limiter so that no more than the
//     configured number are ever in flight, and streams results in
//     completion order.
//   - Aggregator folds results into a ScanSummary, rejecting duplicates.
//
// Engine.StartScan ties these together and returns a ScanHandle:
//
//	engine := scanning.NewEngine(scanning.WithLogger(logger))
//	h, err := engine.StartScan(ctx, scanning.ScanRequest{
//		Target:      "example.com",
//		Ports:       scanning.MustPortRange(80, 443),
//		Concurrency: 100,
//	})
//	if err != nil {
//		return err // *errors.ResolutionError, or a validation error
//	}
//	for r := range h.Results() {
//		fmt.Println(r.Port, r.Outcome)
//	}
//	summary, _ := h.Summary()
//
// Probe errors never fail a scan; they are counted in the summary and
// their details kept per port.
package scanning
