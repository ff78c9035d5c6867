// Package daemon runs portsweep as a long-lived service. It owns the scan
// service, the scheduler, the HTTP API and the optional database, and tears
// them down in order on shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/portsweep/internal/api"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/scheduler"
	"github.com/anstrom/portsweep/internal/services"
)

const (
	healthCheckInterval   = 10 * time.Second
	metricsUpdateInterval = 15 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logging.Logger
	engineOpts []scanning.Option

	database   *db.DB
	registry   *metrics.Registry
	prom       *metrics.PrometheusMetrics
	scans      *services.ScanService
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server
	apiErr     chan error
	pidFile    string
	pidWritten bool
	signals    chan os.Signal

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.RWMutex
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithConfigPath sets the file re-read on SIGHUP.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithEngineOptions appends options to the scan engine the daemon builds.
func WithEngineOptions(opts ...scanning.Option) Option {
	return func(d *Daemon) { d.engineOpts = append(d.engineOpts, opts...) }
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	d.logger = d.logger.WithComponent("daemon")
	return d
}

// Start initializes every component and blocks until the daemon is stopped
// by Stop or a termination signal.
func (d *Daemon) Start() error {
	d.logger.Info("Starting portsweep daemon", "pid", os.Getpid())

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initServices(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.Info("Daemon started successfully")
	return d.run()
}

// Stop asks the daemon to shut down and waits for it, bounded by the
// configured shutdown timeout.
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("Daemon stopped gracefully")
		return nil
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached")
		return errors.NewScanError(errors.CodeTimeout, "daemon did not stop within the shutdown timeout")
	}
}

// Done is closed once the daemon has shut down.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.pidWritten = true

	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if the PID file names a live process and removes
// it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return errors.NewScanError(errors.CodeConflict, fmt.Sprintf("daemon already running with PID %d", pid))
	}

	d.logger.Warn("Removing stale PID file", "path", d.pidFile, "pid", pid)
	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers sets up signal handling for graceful shutdown.
func (d *Daemon) setupSignalHandlers() {
	d.signals = make(chan os.Signal, 1)
	signal.Notify(d.signals,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,  // reload configuration
		syscall.SIGUSR1, // dump status
	)

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-d.signals:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.Info("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		if err := d.reloadConfiguration(); err != nil {
			d.logger.Error("Configuration reload failed", "error", err)
		}
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// initDatabase connects to PostgreSQL and applies migrations when a
// database is configured.
func (d *Daemon) initDatabase() error {
	if !d.config.IsDatabaseEnabled() {
		d.logger.Info("No database configured, finished scans are kept in memory")
		return nil
	}

	d.logger.Info("Connecting to database", "host", d.config.Database.Host, "database", d.config.Database.Database)
	database, err := db.ConnectAndMigrate(d.ctx, &d.config.Database)
	if err != nil {
		return err
	}

	d.database = database
	d.logger.Info("Database connection established")
	return nil
}

// initServices builds the metrics, the scan service and the scheduler.
func (d *Daemon) initServices() error {
	d.registry = metrics.NewRegistry()
	d.prom = metrics.NewPrometheusMetrics()

	engineOpts := []scanning.Option{
		scanning.WithResolver(d.config.Scanning.Resolver()),
		scanning.WithRecorder(d.prom),
		scanning.WithMaxScans(d.config.Daemon.MaxConcurrentScans),
		scanning.WithLogger(d.logger.WithComponent("engine")),
	}
	engineOpts = append(engineOpts, d.engineOpts...)

	svcCfg := services.Config{
		Logger:        d.logger,
		Metrics:       d.registry,
		EngineOptions: engineOpts,
		Sink:          scanning.LogSink{Logger: d.logger.WithComponent("events")},
	}
	if d.database != nil {
		svcCfg.Store = db.NewScanRepository(d.database, d.registry)
	}
	d.scans = services.NewScanService(svcCfg)

	return d.loadScheduler(d.config)
}

// loadScheduler replaces the scheduler with one built from cfg.
func (d *Daemon) loadScheduler(cfg *config.Config) error {
	sched := scheduler.NewScheduler(d.scans, cfg.Scanning, d.logger, d.registry)
	if err := sched.Load(cfg.Schedules); err != nil {
		return err
	}

	d.mu.Lock()
	previous := d.scheduler
	d.scheduler = sched
	d.mu.Unlock()

	if previous != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
		defer cancel()
		if err := previous.Stop(ctx); err != nil {
			d.logger.Warn("Previous scheduler did not stop cleanly", "error", err)
		}
	}
	return nil
}

// initAPIServer initializes the API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.API.Enabled {
		d.logger.Info("API server disabled, skipping initialization")
		return nil
	}

	apiServer, err := api.New(d.config, api.Dependencies{
		Scans:      d.scans,
		Database:   d.database,
		Registry:   d.registry,
		Prometheus: d.prom,
		Logger:     d.logger,
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.apiServer = apiServer
	d.mu.Unlock()
	return nil
}

// run starts the background components and blocks until shutdown.
func (d *Daemon) run() error {
	defer close(d.done)

	if d.apiServer != nil {
		d.apiErr = make(chan error, 1)
		go func() { d.apiErr <- d.apiServer.Start(d.ctx) }()
	}
	go d.prom.StartPeriodicUpdates(d.ctx, metricsUpdateInterval)

	if err := d.currentScheduler().Start(); err != nil {
		d.cancel()
		d.shutdown()
		return err
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	var runErr error
	for runErr == nil && d.ctx.Err() == nil {
		select {
		case <-d.ctx.Done():
		case err := <-d.apiErr:
			// Start only returns early when the listener fails.
			d.apiErr = nil
			runErr = err
		case <-ticker.C:
			d.performHealthCheck()
		}
	}

	d.logger.Info("Shutdown signal received")
	d.cancel()
	if err := d.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops the API, then the scheduler, then running scans, and
// finally releases the database and PID file.
func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.apiErr != nil {
		select {
		case err := <-d.apiErr:
			keep(err)
		case <-ctx.Done():
			keep(errors.WrapScanError(errors.CodeTimeout, "timed out stopping API server", ctx.Err()))
		}
	}

	if sched := d.currentScheduler(); sched != nil {
		keep(sched.Stop(ctx))
	}
	if d.scans != nil {
		keep(d.scans.Shutdown(ctx))
	}

	d.cleanup()
	return firstErr
}

// performHealthCheck performs periodic health checks.
func (d *Daemon) performHealthCheck() {
	if d.database == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, healthCheckInterval/2)
	defer cancel()
	if err := d.database.PingContext(ctx); err != nil {
		d.logger.Warn("Database health check failed", "error", err)
	}
}

// cleanup releases the database connection and the PID file.
func (d *Daemon) cleanup() {
	if d.signals != nil {
		signal.Stop(d.signals)
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.Error("Error closing database", "error", err)
		}
		d.database = nil
	}

	if d.pidWritten {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("Error removing PID file", "error", err)
		} else {
			d.logger.Info("Removed PID file", "path", d.pidFile)
		}
		d.pidWritten = false
	}
}

// IsRunning reports whether the daemon has not been asked to stop.
func (d *Daemon) IsRunning() bool {
	return d.ctx.Err() == nil
}

// APIAddress returns the address the API listens on, or the configured
// address before it is listening. It is empty when the API is disabled.
func (d *Daemon) APIAddress() string {
	d.mu.RLock()
	srv := d.apiServer
	d.mu.RUnlock()
	if srv == nil {
		return ""
	}
	return srv.Addr()
}

func (d *Daemon) currentScheduler() *scheduler.Scheduler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scheduler
}

// reloadConfiguration re-reads the config file and applies changes to the
// schedules and scan defaults. Database and API changes need a restart.
func (d *Daemon) reloadConfiguration() error {
	if d.configPath == "" {
		return errors.NewConfigFieldError(errors.CodeConfiguration, "no configuration file to reload", "config", "")
	}
	d.logger.Info("Reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return err
	}

	d.mu.RLock()
	oldConfig := d.config
	d.mu.RUnlock()

	if !reflect.DeepEqual(oldConfig.API, newConfig.API) {
		d.logger.Warn("API configuration changed, restart to apply")
	}
	if !reflect.DeepEqual(oldConfig.Database, newConfig.Database) {
		d.logger.Warn("Database configuration changed, restart to apply")
	}

	if err := d.loadScheduler(newConfig); err != nil {
		return err
	}
	if d.ctx.Err() == nil {
		if err := d.currentScheduler().Start(); err != nil {
			return err
		}
	}

	// Restart-only sections keep their running values.
	newConfig.API = oldConfig.API
	newConfig.Database = oldConfig.Database
	newConfig.Daemon = oldConfig.Daemon

	d.mu.Lock()
	d.config = newConfig
	d.mu.Unlock()

	d.logger.Info("Configuration reloaded", "schedules", len(newConfig.Schedules))
	return nil
}

// Status is a point-in-time view of the daemon.
type Status struct {
	PID         int
	Goroutines  int
	AllocKB     uint64
	ActiveScans int
	Schedules   int
	Database    string
	API         string
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := Status{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		AllocKB:    m.Alloc / 1024,
		Database:   "not configured",
		API:        "disabled",
	}
	if d.scans != nil {
		st.ActiveScans = len(d.scans.Active())
	}
	if sched := d.currentScheduler(); sched != nil {
		st.Schedules = len(sched.GetJobs())
	}
	if d.database != nil {
		st.Database = "connected"
		if err := d.database.PingContext(d.ctx); err != nil {
			st.Database = "disconnected: " + err.Error()
		}
	}
	if addr := d.APIAddress(); addr != "" {
		st.API = addr
	}
	return st
}

// dumpStatus logs the daemon status.
func (d *Daemon) dumpStatus() {
	st := d.Status()
	d.logger.Info("Daemon status",
		"pid", st.PID,
		"goroutines", st.Goroutines,
		"alloc_kb", st.AllocKB,
		"active_scans", st.ActiveScans,
		"schedules", st.Schedules,
		"database", st.Database,
		"api", st.API)
}
