package scanning

import (
	"context"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = netip.MustParseAddr("127.0.0.1")

func collectResults(ch <-chan ProbeResult) []ProbeResult {
	var out []ProbeResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestSchedulerBoundsInFlight(t *testing.T) {
	prober := &fakeProber{delay: 2 * time.Millisecond}
	s := NewScheduler(SchedulerConfig{Concurrency: 50, Prober: prober})

	ports := portsFrom(1, 1000)
	results := collectResults(s.Run(context.Background(), testAddr, Generate(ports, OrderShuffled, 99)))

	require.Len(t, results, 1000)
	assert.LessOrEqual(t, prober.maxSeen.Load(), int64(50))
	assert.LessOrEqual(t, s.Limiter().Peak(), 50)
	assert.Equal(t, 1000, s.Dispatched())

	got := make([]uint16, 0, len(results))
	for _, r := range results {
		got = append(got, r.Port)
	}
	slices.Sort(got)
	assert.Equal(t, []uint16(ports), got, "each port exactly once")
}

func TestSchedulerCompletionOrder(t *testing.T) {
	slow := uint16(1)
	prober := ProberFunc(func(_ context.Context, _ netip.Addr, port uint16, _ time.Duration) ProbeResult {
		if port == slow {
			time.Sleep(50 * time.Millisecond)
		}
		return ProbeResult{Port: port, Outcome: OutcomeClosed}
	})
	s := NewScheduler(SchedulerConfig{Concurrency: 4, Prober: prober})

	results := collectResults(s.Run(context.Background(), testAddr, Generate(portsFrom(1, 4), OrderSequential, 0)))
	require.Len(t, results, 4)
	assert.Equal(t, slow, results[3].Port, "slow probe finishes last despite being dispatched first")
}

func TestSchedulerStopsDispatchOnCancel(t *testing.T) {
	prober := &fakeProber{gate: make(chan struct{})}
	s := NewScheduler(SchedulerConfig{Concurrency: 5, Prober: prober, GracePeriod: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	out := s.Run(ctx, testAddr, Generate(portsFrom(1, 100), OrderSequential, 0))

	require.Eventually(t, func() bool { return prober.inFlight.Load() == 5 }, time.Second, time.Millisecond)
	cancel()
	close(prober.gate)

	results := collectResults(out)
	assert.Len(t, results, 5, "in-flight probes finish within the grace period")
	assert.Equal(t, int64(5), prober.calls.Load(), "no probe starts after cancellation")
	assert.Equal(t, 5, s.Dispatched())
	assert.Equal(t, 0, s.Abandoned())
}

func TestSchedulerAbandonsAfterGrace(t *testing.T) {
	prober := &fakeProber{gate: make(chan struct{})}
	defer close(prober.gate)
	s := NewScheduler(SchedulerConfig{Concurrency: 3, Prober: prober, GracePeriod: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	out := s.Run(ctx, testAddr, Generate(portsFrom(1, 10), OrderSequential, 0))

	require.Eventually(t, func() bool { return prober.inFlight.Load() == 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok, "abandoned probe results are dropped")
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not close its output after the grace period")
	}
	assert.Equal(t, 3, s.Abandoned())
}

func TestSchedulerRateLimit(t *testing.T) {
	prober := &fakeProber{}
	s := NewScheduler(SchedulerConfig{Concurrency: 10, Prober: prober, RateLimit: 200})

	start := time.Now()
	results := collectResults(s.Run(context.Background(), testAddr, Generate(portsFrom(1, 300), OrderSequential, 0)))
	require.Len(t, results, 300)
	// burst of 200, the remaining 100 at 200/s
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	assert.Equal(t, DefaultConcurrency, s.Limiter().Capacity())
	assert.Equal(t, DefaultTimeout, s.timeout)
	assert.Nil(t, s.rate)
}
