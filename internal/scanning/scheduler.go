package scanning

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portsweep/internal/logging"
)

// Recorder receives scan and probe measurements.
type Recorder interface {
	ScanStarted()
	ScanFinished(state string, duration time.Duration)
	ProbeStarted()
	ProbeFinished(outcome string, duration time.Duration)
	DuplicateResult()
}

type nopRecorder struct{}

func (nopRecorder) ScanStarted()                        {}
func (nopRecorder) ScanFinished(string, time.Duration)  {}
func (nopRecorder) ProbeStarted()                       {}
func (nopRecorder) ProbeFinished(string, time.Duration) {}
func (nopRecorder) DuplicateResult()                    {}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Concurrency int
	Timeout     time.Duration
	GracePeriod time.Duration
	RateLimit   float64
	Prober      Prober
	Recorder    Recorder
	Logger      *logging.Logger
}

// Scheduler dispatches probes with a bounded number in flight.
type Scheduler struct {
	limiter  *Limiter
	rate     *rate.Limiter
	prober   Prober
	timeout  time.Duration
	grace    time.Duration
	recorder Recorder
	logger   *logging.Logger

	dispatched atomic.Int64
	abandoned  atomic.Int64
}

// NewScheduler creates a scheduler. Zero values fall back to defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Prober == nil {
		cfg.Prober = TCPProber{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Scheduler{
		limiter:  NewLimiter(cfg.Concurrency),
		prober:   cfg.Prober,
		timeout:  cfg.Timeout,
		grace:    cfg.GracePeriod,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.rate = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Limiter exposes the in-flight bound, mainly for inspection.
func (s *Scheduler) Limiter() *Limiter {
	return s.limiter
}

// Dispatched returns how many probes were started.
func (s *Scheduler) Dispatched() int {
	return int(s.dispatched.Load())
}

// Abandoned returns how many probes were cut off after the grace period.
func (s *Scheduler) Abandoned() int {
	return int(s.abandoned.Load())
}

// Run probes every port of seq against addr and streams results in
// completion order. Cancelling ctx stops dispatch immediately; probes
// already running get the grace period to finish, after which they are
// interrupted and their results dropped. The channel is closed once every
// dispatched probe has returned.
func (s *Scheduler) Run(ctx context.Context, addr netip.Addr, seq *PortSequence) <-chan ProbeResult {
	out := make(chan ProbeResult, s.limiter.Capacity())
	probeCtx, stopProbes := context.WithCancel(context.WithoutCancel(ctx))

	var (
		wg      sync.WaitGroup
		cutOff  atomic.Bool
		deliver = func(r ProbeResult) {
			if cutOff.Load() {
				s.abandoned.Add(1)
				return
			}
			out <- r
		}
	)

	go func() {
		defer close(out)
		defer stopProbes()

		s.dispatch(ctx, probeCtx, addr, seq, &wg, deliver)

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return
		case <-ctx.Done():
		}

		grace := time.NewTimer(s.grace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			s.logger.Debug("grace period expired, abandoning probes", "in_flight", s.limiter.InFlight())
			cutOff.Store(true)
			stopProbes()
			<-done
		}
	}()

	return out
}

func (s *Scheduler) dispatch(ctx, probeCtx context.Context, addr netip.Addr, seq *PortSequence,
	wg *sync.WaitGroup, deliver func(ProbeResult)) {
	for ctx.Err() == nil {
		if s.rate != nil {
			if err := s.rate.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			return
		}
		// Acquire may succeed on an already cancelled context.
		if ctx.Err() != nil {
			s.limiter.Release()
			return
		}
		port, ok := seq.Next()
		if !ok {
			s.limiter.Release()
			return
		}

		s.dispatched.Add(1)
		s.recorder.ProbeStarted()
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			defer s.limiter.Release()

			r := s.prober.Probe(probeCtx, addr, port, s.timeout)
			r.Port = port
			s.recorder.ProbeFinished(string(r.Outcome), r.Duration)
			deliver(r)
		}(port)
	}
}
