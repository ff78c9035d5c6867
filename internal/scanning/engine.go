package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
)

// Engine starts scans. It is safe for concurrent use; each scan gets its
// own scheduler and aggregator.
type Engine struct {
	resolver Resolver
	prober   Prober
	sink     EventSink
	recorder Recorder
	logger   *logging.Logger
	slots    ResourceManager
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the target resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithProber replaces the TCP prober.
func WithProber(p Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithEventSink sets the sink receiving scan events.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxScans bounds the number of concurrently running scans.
func WithMaxScans(n int) Option {
	return func(e *Engine) { e.slots = NewFixedResourceManager(n) }
}

// NewEngine creates an engine using the system resolver and TCP prober
// unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		resolver: &SystemResolver{},
		prober:   TCPProber{},
		sink:     NopSink{},
		recorder: nopRecorder{},
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops admitting new scans when a scan limit is configured.
func (e *Engine) Close() error {
	if e.slots == nil {
		return nil
	}
	return e.slots.Close()
}

// StartScan resolves the target and begins probing in the background.
// ctx bounds only the startup (waiting for a scan slot and resolution);
// the running scan is stopped with ScanHandle.Cancel. A resolution failure
// is returned as *errors.ResolutionError and no probe is attempted.
func (e *Engine) StartScan(ctx context.Context, req ScanRequest) (*ScanHandle, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := e.logger.WithScanID(id).WithTarget(req.Target)

	if e.slots != nil {
		if err := e.slots.Acquire(ctx, id); err != nil {
			return nil, err
		}
	}
	release := func() {
		if e.slots != nil {
			e.slots.Release(id)
		}
	}

	h := newHandle(id, req)
	e.recorder.ScanStarted()
	e.emitState(h, StateResolving, 0)

	addr, err := e.resolver.Resolve(ctx, req.Target)
	if err != nil {
		h.fail(err)
		release()
		e.recorder.ScanFinished(string(StateFailed), time.Since(h.startedAt))
		e.emitState(h, StateFailed, 0)
		log.ErrorScan("target resolution failed", req.Target, err)
		return nil, err
	}

	seq := Generate(req.Ports, req.Order, req.Seed)
	h.addr = addr
	h.agg = NewAggregator(ScanSummary{
		ID:          id,
		Target:      req.Target,
		Address:     addr.String(),
		Order:       req.Order,
		Seed:        seq.Seed(),
		Concurrency: req.Concurrency,
		Timeout:     req.Timeout,
		StartedAt:   h.startedAt,
	}, req.Ports)

	sched := NewScheduler(SchedulerConfig{
		Concurrency: req.Concurrency,
		Timeout:     req.Timeout,
		GracePeriod: req.GracePeriod,
		RateLimit:   req.RateLimit,
		Prober:      e.prober,
		Recorder:    e.recorder,
		Logger:      log,
	})

	scanCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	log.Info("scan started",
		"address", addr.String(),
		"ports", req.Ports.Len(),
		"order", req.Order,
		"seed", seq.Seed(),
		"concurrency", req.Concurrency,
		"timeout", req.Timeout)
	e.emitState(h, StateScanning, 0)

	results := sched.Run(scanCtx, addr, seq)
	go e.collect(h, sched, results, release, log)

	return h, nil
}

// collect is the single consumer of a scan's results.
func (e *Engine) collect(h *ScanHandle, sched *Scheduler, results <-chan ProbeResult,
	release func(), log *logging.Logger) {
	defer release()

	total := h.req.Ports.Len()
	for r := range results {
		if err := h.agg.OnResult(r); err != nil {
			e.recorder.DuplicateResult()
			log.Warn("probe result rejected", "port", r.Port, "error", err)
			e.sink.OnEvent(Event{
				ScanID: h.id, Kind: EventDuplicate, Target: h.req.Target,
				Port: r.Port, Outcome: r.Outcome, Detail: err.Error(), Total: total, Time: time.Now(),
			})
			continue
		}
		completed, _ := h.agg.Progress()
		e.sink.OnEvent(Event{
			ScanID: h.id, Kind: EventResult, Target: h.req.Target,
			Port: r.Port, Outcome: r.Outcome, Detail: r.Detail,
			Completed: completed, Total: total, Time: time.Now(),
		})
		h.results <- r
	}

	completed, _ := h.agg.Progress()
	state := StateCompleted
	if h.cancelRequested() && completed < total {
		state = StateCancelled
	}

	summary, err := h.agg.Finalize(state, time.Now())
	if err != nil {
		log.Error("finalize failed", "error", err)
	}
	h.cancel()

	var scanErr error
	if state == StateCancelled {
		scanErr = &errors.CancellationError{ScanID: h.id, Completed: completed, Total: total}
	}

	e.recorder.ScanFinished(string(state), summary.Duration)
	log.Info("scan finished",
		"state", state,
		"duration", summary.Duration,
		"completed", summary.Completed,
		"open_ports", summary.OpenPorts,
		"errors", summary.ErrorCount,
		"abandoned", sched.Abandoned(),
		"peak_in_flight", sched.Limiter().Peak())

	e.emitState(h, state, completed)
	h.finish(summary, scanErr)
}

func (e *Engine) emitState(h *ScanHandle, state State, completed int) {
	h.setState(state)
	e.sink.OnEvent(Event{
		ScanID:    h.id,
		Kind:      EventState,
		Target:    h.req.Target,
		State:     state,
		Completed: completed,
		Total:     h.req.Ports.Len(),
		Time:      time.Now(),
	})
}

// Scan runs a scan to completion and returns its summary. Cancelling ctx
// cancels the scan; the partial summary is returned together with a
// *errors.CancellationError.
func (e *Engine) Scan(ctx context.Context, req ScanRequest) (ScanSummary, error) {
	h, err := e.StartScan(ctx, req)
	if err != nil {
		return ScanSummary{}, err
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	<-h.Done()
	summary, _ := h.Summary()
	return summary, h.Err()
}
