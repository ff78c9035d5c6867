// Package scheduler runs recurring port scans. Jobs come from the schedules
// section of the configuration and fire on standard cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

// MetricScheduledRuns counts scheduled scan runs by schedule and final state.
const MetricScheduledRuns = "scheduled_scans_total"

// ScanStarter starts scans. The scan service and the engine both satisfy it.
type ScanStarter interface {
	StartScan(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanHandle, error)
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	cron     *cron.Cron
	scans    ScanStarter
	defaults config.ScanningConfig
	logger   *logging.Logger
	metrics  metrics.MetricsRegistry

	jobs    map[string]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ScheduledJob is one recurring scan and the outcome of its last run.
type ScheduledJob struct {
	Name      string
	CronID    cron.EntryID
	Config    config.ScheduleConfig
	Request   scanning.ScanRequest
	Enabled   bool
	Running   bool
	Runs      int
	LastRun   time.Time
	LastScan  string
	LastState scanning.State
	LastOpen  int
	LastError string
	NextRun   time.Time
}

// NewScheduler creates a scheduler that starts scans through scans, filling
// unset schedule fields from defaults.
func NewScheduler(
	scans ScanStarter,
	defaults config.ScanningConfig,
	logger *logging.Logger,
	registry metrics.MetricsRegistry,
) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		scans:    scans,
		defaults: defaults,
		logger:   logger,
		metrics:  registry,
		jobs:     make(map[string]*ScheduledJob),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load adds every configured schedule. Disabled schedules are registered
// but do not fire until enabled.
func (s *Scheduler) Load(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		if err := s.AddJob(sc); err != nil {
			return err
		}
	}
	return nil
}

// AddJob registers a schedule.
func (s *Scheduler) AddJob(sc config.ScheduleConfig) error {
	req, err := sc.ScanRequest(s.defaults)
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation,
			fmt.Sprintf("schedule %q has an invalid scan request", sc.Name), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[sc.Name]; exists {
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("schedule %q already exists", sc.Name))
	}

	name := sc.Name
	cronID, err := s.cron.AddFunc(sc.Cron, func() {
		_, _ = s.execute(name)
	})
	if err != nil {
		return errors.WrapScanError(errors.CodeValidation,
			fmt.Sprintf("schedule %q has an invalid cron expression", sc.Name), err)
	}

	job := &ScheduledJob{
		Name:    sc.Name,
		CronID:  cronID,
		Config:  sc,
		Request: req,
		Enabled: !sc.Disabled,
	}
	s.jobs[sc.Name] = job

	s.logger.Info("Added scheduled scan",
		"schedule", sc.Name,
		"cron", sc.Cron,
		"target", sc.Target,
		"ports", req.Ports.Len(),
		"enabled", job.Enabled)
	return nil
}

// RemoveJob unregisters a schedule. A run in progress is not interrupted.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("schedule %q not found", name))
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, name)

	s.logger.Info("Removed scheduled scan", "schedule", name)
	return nil
}

// EnableJob enables a schedule.
func (s *Scheduler) EnableJob(name string) error {
	return s.setJobEnabled(name, true)
}

// DisableJob disables a schedule.
func (s *Scheduler) DisableJob(name string) error {
	return s.setJobEnabled(name, false)
}

func (s *Scheduler) setJobEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("schedule %q not found", name))
	}
	job.Enabled = enabled

	s.logger.Info("Scheduled scan updated", "schedule", name, "enabled", enabled)
	return nil
}

// GetJobs returns a copy of every job, sorted by name, with NextRun filled
// in while the scheduler runs.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		if s.running {
			copied.NextRun = s.cron.Entry(job.CronID).Next
		}
		jobs = append(jobs, copied)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunNow runs a schedule immediately and waits for its summary.
func (s *Scheduler) RunNow(name string) (scanning.ScanSummary, error) {
	return s.execute(name)
}

// Start begins firing schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewScanError(errors.CodeConflict, "scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return errors.NewScanError(errors.CodeServiceUnavailable, "scheduler has been stopped")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing schedules, cancels scans started by running jobs and
// waits for those jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	var cronDone context.Context
	if wasRunning {
		cronDone = s.cron.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeTimeout, "timed out waiting for scheduled scans", ctx.Err())
	}
	if cronDone != nil {
		<-cronDone.Done()
	}

	if wasRunning {
		s.logger.Info("Scheduler stopped")
	}
	return nil
}

// execute runs one job to completion. Overlapping runs of the same job are
// refused.
func (s *Scheduler) execute(name string) (summary scanning.ScanSummary, err error) {
	job, err := s.prepareJobExecution(name)
	if err != nil {
		s.logger.Debug("Scheduled scan skipped", "schedule", name, "reason", err)
		return scanning.ScanSummary{}, err
	}
	s.wg.Add(1)
	defer s.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			err = errors.NewScanError(errors.CodeScanFailed, fmt.Sprintf("scheduled scan panicked: %v", r))
			s.logger.Error("Scheduled scan panicked", "schedule", name, "panic", r)
		}
		s.finishJobExecution(name, summary, err)
	}()

	log := s.logger.WithFields("schedule", name)
	log.Info("Running scheduled scan", "target", job.Request.Target)

	handle, err := s.scans.StartScan(s.ctx, job.Request)
	if err != nil {
		log.Warn("Scheduled scan failed to start", "error", err)
		return scanning.ScanSummary{}, err
	}

	select {
	case <-handle.Done():
	case <-s.ctx.Done():
		handle.Cancel()
		<-handle.Done()
	}

	summary, err = handle.Summary()
	if err != nil {
		return summary, err
	}
	if cerr := handle.Err(); cerr != nil {
		err = cerr
	}

	log.Info("Scheduled scan finished",
		"scan_id", summary.ID,
		"state", summary.State,
		"open_ports", len(summary.OpenPorts),
		"duration", summary.Duration)
	return summary, err
}

func (s *Scheduler) prepareJobExecution(name string) (ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	switch {
	case !exists:
		return ScheduledJob{}, errors.NewScanError(errors.CodeNotFound, fmt.Sprintf("schedule %q not found", name))
	case !job.Enabled:
		return ScheduledJob{}, errors.NewScanError(errors.CodeConflict, fmt.Sprintf("schedule %q is disabled", name))
	case job.Running:
		return ScheduledJob{}, errors.NewScanError(errors.CodeConflict, fmt.Sprintf("schedule %q is already running", name))
	case s.ctx.Err() != nil:
		return ScheduledJob{}, errors.NewScanError(errors.CodeServiceUnavailable, "scheduler has been stopped")
	}

	job.Running = true
	job.LastRun = time.Now()
	return *job, nil
}

func (s *Scheduler) finishJobExecution(name string, summary scanning.ScanSummary, err error) {
	state := summary.State
	if state == "" {
		state = scanning.StateFailed
	}

	s.mu.Lock()
	if job, exists := s.jobs[name]; exists {
		job.Running = false
		job.Runs++
		job.LastScan = summary.ID
		job.LastState = state
		job.LastOpen = len(summary.OpenPorts)
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Counter(MetricScheduledRuns, metrics.Labels{
			"schedule":          name,
			metrics.LabelState: string(state),
		})
	}
}

// cronLogger adapts the logger to cron's logging interface.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
