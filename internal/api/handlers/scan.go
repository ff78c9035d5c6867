// Package handlers provides HTTP request handlers for the portsweep API.
// This file implements scan endpoints: starting, inspecting, listing and
// cancelling scans.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

// ScanService is the part of the scan service used by the HTTP layer.
type ScanService interface {
	StartScan(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanHandle, error)
	GetScan(ctx context.Context, id string) (*scanning.ScanSummary, error)
	ListScans(ctx context.Context, limit, offset int) ([]*scanning.ScanSummary, error)
	CancelScan(id string) error
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	service        ScanService
	defaults       config.ScanningConfig
	logger         *slog.Logger
	metrics        metrics.MetricsRegistry
	maxRequestSize int64
}

// NewScanHandler creates a new scan handler. Request fields left unset are
// taken from defaults.
func NewScanHandler(
	service ScanService,
	defaults config.ScanningConfig,
	logger *slog.Logger,
	metricsManager metrics.MetricsRegistry,
	maxRequestSize int64,
) *ScanHandler {
	return &ScanHandler{
		service:        service,
		defaults:       defaults,
		logger:         logger.With("handler", "scan"),
		metrics:        metricsManager,
		maxRequestSize: maxRequestSize,
	}
}

// CreateScanRequest is the body of POST /api/v1/scans.
type CreateScanRequest struct {
	Target      string  `json:"target" validate:"required,max=255,hostname_rfc1123|ip"`
	Ports       string  `json:"ports,omitempty"`
	Concurrency int     `json:"concurrency,omitempty" validate:"omitempty,min=1,max=65535"`
	Timeout     string  `json:"timeout,omitempty"`
	GracePeriod string  `json:"grace_period,omitempty"`
	Order       string  `json:"order,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	RateLimit   float64 `json:"rate_limit,omitempty" validate:"gte=0"`
}

// StartScanResponse is returned when a scan has been accepted.
type StartScanResponse struct {
	ID      string         `json:"id"`
	Target  string         `json:"target"`
	Address string         `json:"address"`
	State   scanning.State `json:"state"`
	Total   int            `json:"total"`
}

// ScanResponse is a scan summary with its progress as a fraction.
type ScanResponse struct {
	*scanning.ScanSummary
	Progress float64 `json:"progress"`
}

// ListScansResponse is a page of scans.
type ListScansResponse struct {
	Data       []ScanResponse   `json:"data"`
	Pagination PaginationParams `json:"pagination"`
}

// CancelScanResponse acknowledges a cancellation request.
type CancelScanResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// toScanRequest overlays the request onto the configured defaults.
func (req *CreateScanRequest) toScanRequest(defaults config.ScanningConfig) (scanning.ScanRequest, error) {
	if req.Ports != "" {
		defaults.Ports = req.Ports
	}
	if req.Concurrency > 0 {
		defaults.Concurrency = req.Concurrency
	}
	if req.Order != "" {
		defaults.Order = req.Order
	}
	if req.Seed != 0 {
		defaults.Seed = req.Seed
	}
	if req.RateLimit > 0 {
		defaults.RateLimit = req.RateLimit
	}

	var err error
	if req.Timeout != "" {
		if defaults.Timeout, err = parsePositiveDuration("timeout", req.Timeout); err != nil {
			return scanning.ScanRequest{}, err
		}
	}
	if req.GracePeriod != "" {
		if defaults.GracePeriod, err = parsePositiveDuration("grace_period", req.GracePeriod); err != nil {
			return scanning.ScanRequest{}, err
		}
	}
	return defaults.ScanRequest(req.Target)
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("field %s must be a positive duration, got %q", field, value))
	}
	return d, nil
}

// CreateScan handles POST /api/v1/scans.
//
// @Summary Start a scan
// @Description Resolves the target and starts probing in the background. Unset fields take the configured defaults.
// @Tags scans
// @Accept json
// @Produce json
// @Param scan body CreateScanRequest true "Scan request"
// @Success 202 {object} StartScanResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans [post]
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)

	var req CreateScanRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationError(err))
		return
	}

	scanReq, err := req.toScanRequest(h.defaults)
	if err != nil {
		writeError(w, r, 0, err)
		return
	}

	handle, err := h.service.StartScan(r.Context(), scanReq)
	if err != nil {
		h.logger.Warn("Failed to start scan",
			"request_id", requestID,
			"target", req.Target,
			"error", err)
		writeError(w, r, 0, err)
		return
	}

	_, total := handle.Progress()
	h.logger.Info("Scan started",
		"request_id", requestID,
		"scan_id", handle.ID(),
		"target", handle.Target(),
		"ports", total)

	w.Header().Set("Location", "/api/v1/scans/"+handle.ID())
	writeJSON(w, r, http.StatusAccepted, StartScanResponse{
		ID:      handle.ID(),
		Target:  handle.Target(),
		Address: handle.Address().String(),
		State:   handle.State(),
		Total:   total,
	})
	recordMetric(h.metrics, "api_scans_created_total", nil)
}

// GetScan handles GET /api/v1/scans/{id}.
//
// @Summary Get a scan
// @Tags scans
// @Produce json
// @Param id path string true "Scan ID"
// @Success 200 {object} ScanResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans/{id} [get]
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, r, 0, err)
		return
	}

	writeJSON(w, r, http.StatusOK, newScanResponse(summary))
	recordMetric(h.metrics, "api_scans_retrieved_total", nil)
}

// ListScans handles GET /api/v1/scans. Running scans are listed first.
//
// @Summary List scans
// @Tags scans
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Items per page" default(50)
// @Success 200 {object} ListScansResponse
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans [get]
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	summaries, err := h.service.ListScans(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("Failed to list scans", "request_id", getRequestID(r), "error", err)
		writeError(w, r, 0, err)
		return
	}

	data := make([]ScanResponse, 0, len(summaries))
	for _, s := range summaries {
		data = append(data, newScanResponse(s))
	}

	writeJSON(w, r, http.StatusOK, ListScansResponse{Data: data, Pagination: params})
	recordMetric(h.metrics, "api_scans_listed_total", nil)
}

// CancelScan handles DELETE /api/v1/scans/{id} and POST /api/v1/scans/{id}/cancel.
// Probes already in flight are given the scan's grace period to finish.
//
// @Summary Cancel a scan
// @Tags scans
// @Produce json
// @Param id path string true "Scan ID"
// @Success 202 {object} CancelScanResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans/{id} [delete]
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id, err := extractIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.service.CancelScan(id); err != nil {
		writeError(w, r, 0, err)
		return
	}

	h.logger.Info("Scan cancellation requested", "request_id", getRequestID(r), "scan_id", id)
	writeJSON(w, r, http.StatusAccepted, CancelScanResponse{ID: id, Message: "cancellation requested"})
	recordMetric(h.metrics, "api_scans_cancelled_total", nil)
}

func newScanResponse(s *scanning.ScanSummary) ScanResponse {
	resp := ScanResponse{ScanSummary: s}
	if s.TotalRequested > 0 {
		resp.Progress = float64(s.Completed) / float64(s.TotalRequested)
	}
	return resp
}
