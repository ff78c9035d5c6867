// Package handlers provides HTTP request handlers for the portsweep API.
// This file implements health check and system status endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	PingContext(ctx context.Context) error
}

// ActiveScans reports the scans currently running.
type ActiveScans interface {
	Active() []*scanning.ScanHandle
}

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
	dependencyTimeout  = 3 * time.Second
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusDegraded      = "degraded"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	database  DatabasePinger
	scans     ActiveScans
	logger    *slog.Logger
	metrics   metrics.MetricsRegistry
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil when
// persistence is disabled.
func NewHealthHandler(
	database DatabasePinger,
	scans ActiveScans,
	logger *slog.Logger,
	metricsManager metrics.MetricsRegistry,
) *HealthHandler {
	return &HealthHandler{
		database:  database,
		scans:     scans,
		logger:    logger.With("handler", "health"),
		metrics:   metricsManager,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo    `json:"service"`
	System    SystemInfo     `json:"system"`
	Scans     ScansInfo      `json:"scans"`
	Metrics   MetricsInfo    `json:"metrics"`
	Health    HealthResponse `json:"health"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains system-related information.
type SystemInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
	Goroutines   int    `json:"goroutines"`
	HeapBytes    uint64 `json:"heap_bytes"`
}

// ScansInfo lists the running scans.
type ScansInfo struct {
	Running int               `json:"running"`
	Active  []ActiveScanEntry `json:"active"`
}

// ActiveScanEntry is one running scan in the status report.
type ActiveScanEntry struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"`
	State     scanning.State `json:"state"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	StartedAt time.Time      `json:"started_at"`
}

// MetricsInfo contains metrics system information.
type MetricsInfo struct {
	Enabled       bool `json:"enabled"`
	TotalCounters int  `json:"total_counters"`
	TotalGauges   int  `json:"total_gauges"`
	TotalHistos   int  `json:"total_histograms"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health performs a basic health check.
//
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := h.check(ctx)

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)

	recordMetric(h.metrics, "api_health_checks_total", metrics.Labels{"status": response.Status})
}

// Liveness performs a simple liveness check without dependencies.
//
// @Summary Liveness check
// @Tags system
// @Produce json
// @Success 200 {object} LivenessResponse
// @Router /liveness [get]
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Status provides detailed system status information.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dependencyTimeout)
	defer cancel()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := StatusResponse{
		Service: ServiceInfo{
			Name:      "portsweep",
			Version:   version,
			StartTime: h.startTime,
			Uptime:    time.Since(h.startTime).String(),
			PID:       os.Getpid(),
		},
		System: SystemInfo{
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			CPUs:         runtime.NumCPU(),
			GoVersion:    runtime.Version(),
			Goroutines:   runtime.NumGoroutine(),
			HeapBytes:    memStats.HeapAlloc,
		},
		Scans:     h.scansInfo(),
		Metrics:   h.metricsInfo(),
		Health:    h.check(ctx),
		Timestamp: time.Now().UTC(),
	}

	writeJSON(w, r, http.StatusOK, response)
}

// Version provides version information.
//
// @Summary Version information
// @Tags system
// @Produce json
// @Success 200 {object} VersionResponse
// @Router /version [get]
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *HealthHandler) check(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	if h.database != nil {
		if err := h.database.PingContext(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["database"] = "failed: " + err.Error()
			h.logger.Warn("Database health check failed", "error", err)
		} else {
			response.Checks["database"] = "ok"
		}
	} else {
		response.Checks["database"] = StatusNotConfigured
	}

	if h.scans != nil {
		response.Checks["scans"] = "ok"
	} else {
		response.Checks["scans"] = StatusNotConfigured
	}

	const maxGoroutines = 100000
	if runtime.NumGoroutine() > maxGoroutines {
		if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
		response.Checks["goroutines"] = "high count"
	} else {
		response.Checks["goroutines"] = "ok"
	}

	return response
}

func (h *HealthHandler) scansInfo() ScansInfo {
	info := ScansInfo{Active: []ActiveScanEntry{}}
	if h.scans == nil {
		return info
	}
	for _, handle := range h.scans.Active() {
		completed, total := handle.Progress()
		info.Active = append(info.Active, ActiveScanEntry{
			ID:        handle.ID(),
			Target:    handle.Target(),
			State:     handle.State(),
			Completed: completed,
			Total:     total,
			StartedAt: handle.StartedAt(),
		})
	}
	info.Running = len(info.Active)
	return info
}

func (h *HealthHandler) metricsInfo() MetricsInfo {
	if h.metrics == nil {
		return MetricsInfo{}
	}
	info := MetricsInfo{Enabled: h.metrics.IsEnabled()}
	for _, metric := range h.metrics.GetMetrics() {
		switch metric.Type {
		case metrics.TypeCounter:
			info.TotalCounters++
		case metrics.TypeGauge:
			info.TotalGauges++
		case metrics.TypeHistogram:
			info.TotalHistos++
		}
	}
	return info
}

// Build information, set by the main package.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
