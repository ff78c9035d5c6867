package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

func discardLogger() *slog.Logger {
	return logging.Discard().Logger
}

// openOn reports ports in open as Open and everything else as Closed.
func openOn(open ...uint16) scanning.ProberFunc {
	set := make(map[uint16]bool, len(open))
	for _, p := range open {
		set[p] = true
	}
	return func(ctx context.Context, _ netip.Addr, port uint16, _ time.Duration) scanning.ProbeResult {
		if set[port] {
			return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeOpen}
		}
		return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeClosed}
	}
}

// blockingProber holds every probe until release is closed or ctx ends.
func blockingProber(release <-chan struct{}) scanning.ProberFunc {
	return func(ctx context.Context, _ netip.Addr, port uint16, _ time.Duration) scanning.ProbeResult {
		select {
		case <-release:
			return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeClosed}
		case <-ctx.Done():
			return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeError, Detail: "timeout"}
		}
	}
}

func newTestService(t *testing.T, prober scanning.Prober) *services.ScanService {
	t.Helper()
	svc := services.NewScanService(services.Config{
		Logger:  logging.Discard(),
		Metrics: metrics.NewRegistry(),
		EngineOptions: []scanning.Option{
			scanning.WithProber(prober),
			scanning.WithLogger(logging.Discard()),
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func testDefaults() config.ScanningConfig {
	defaults := config.Default().Scanning
	defaults.Concurrency = 4
	defaults.Order = "sequential"
	defaults.GracePeriod = 50 * time.Millisecond
	return defaults
}

func newScanTestHandler(t *testing.T, prober scanning.Prober) (*ScanHandler, *services.ScanService, *metrics.Registry) {
	t.Helper()
	svc := newTestService(t, prober)
	registry := metrics.NewRegistry()
	return NewScanHandler(svc, testDefaults(), discardLogger(), registry, 0), svc, registry
}

func postScan(h *ScanHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.CreateScan(rec, req)
	return rec
}

func withID(method, path, id string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return mux.SetURLVars(req, map[string]string{"id": id})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func waitDone(t *testing.T, svc *services.ScanService, id string) {
	t.Helper()
	h, ok := svc.Handle(id)
	if !ok {
		return
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("scan %s did not finish", id)
	}
	// The service moves the scan to its history right after Done.
	require.Eventually(t, func() bool {
		_, running := svc.Handle(id)
		return !running
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateScan(t *testing.T) {
	h, svc, registry := newScanTestHandler(t, openOn(80))

	rec := postScan(h, `{"target":"127.0.0.1","ports":"22,80,443"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started StartScanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.NotEmpty(t, started.ID)
	assert.Equal(t, "127.0.0.1", started.Target)
	assert.Equal(t, "127.0.0.1", started.Address)
	assert.Equal(t, 3, started.Total)
	assert.Equal(t, "/api/v1/scans/"+started.ID, rec.Header().Get("Location"))
	assert.Contains(t, registry.GetMetrics(), "api_scans_created_total")

	waitDone(t, svc, started.ID)

	getRec := httptest.NewRecorder()
	h.GetScan(getRec, withID(http.MethodGet, "/api/v1/scans/"+started.ID, started.ID))
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp ScanResponse
	require.NoError(t, json.NewDecoder(getRec.Body).Decode(&resp))
	require.NotNil(t, resp.ScanSummary)
	assert.Equal(t, scanning.StateCompleted, resp.State)
	assert.Equal(t, []uint16{80}, resp.OpenPorts)
	assert.Equal(t, 2, resp.ClosedCount)
	assert.InDelta(t, 1.0, resp.Progress, 0.0001)
	assert.False(t, resp.Partial)
}

func TestCreateScanValidation(t *testing.T) {
	h, _, _ := newScanTestHandler(t, openOn())

	tests := []struct {
		name string
		body string
	}{
		{"missing target", `{"ports":"80"}`},
		{"invalid target", `{"target":"not a host!"}`},
		{"unknown field", `{"target":"127.0.0.1","bogus":true}`},
		{"bad port", `{"target":"127.0.0.1","ports":"99999"}`},
		{"bad order", `{"target":"127.0.0.1","order":"backwards"}`},
		{"bad timeout", `{"target":"127.0.0.1","timeout":"soon"}`},
		{"negative grace", `{"target":"127.0.0.1","grace_period":"-1s"}`},
		{"concurrency too high", `{"target":"127.0.0.1","concurrency":70000}`},
		{"malformed json", `{"target":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postScan(h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, "VALIDATION", string(resp.Code))
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestCreateScanEmptyBody(t *testing.T) {
	h, _, _ := newScanTestHandler(t, openOn())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", http.NoBody)
	rec := httptest.NewRecorder()
	h.CreateScan(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateScanResolutionFailure(t *testing.T) {
	svc := services.NewScanService(services.Config{
		Logger: logging.Discard(),
		EngineOptions: []scanning.Option{
			scanning.WithProber(openOn()),
			scanning.WithLogger(logging.Discard()),
			scanning.WithResolver(scanning.NewDNSResolver("127.0.0.1:1", 200*time.Millisecond)),
		},
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	h := NewScanHandler(svc, testDefaults(), discardLogger(), nil, 0)

	rec := postScan(h, `{"target":"nowhere.example","ports":"80"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "RESOLUTION_FAILED", string(decodeError(t, rec).Code))
}

func TestCreateScanOverridesDefaults(t *testing.T) {
	req := CreateScanRequest{
		Target:      "127.0.0.1",
		Ports:       "web",
		Concurrency: 8,
		Timeout:     "250ms",
		GracePeriod: "1s",
		Order:       "shuffled",
		Seed:        42,
		RateLimit:   100,
	}

	scanReq, err := req.toScanRequest(testDefaults())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", scanReq.Target)
	assert.Equal(t, 8, scanReq.Concurrency)
	assert.Equal(t, 250*time.Millisecond, scanReq.Timeout)
	assert.Equal(t, time.Second, scanReq.GracePeriod)
	assert.Equal(t, scanning.OrderShuffled, scanReq.Order)
	assert.Equal(t, int64(42), scanReq.Seed)
	assert.InDelta(t, 100.0, scanReq.RateLimit, 0.0001)
	assert.True(t, scanReq.Ports.Contains(443))

	plain := CreateScanRequest{Target: "127.0.0.1"}
	scanReq, err = plain.toScanRequest(testDefaults())
	require.NoError(t, err)
	assert.Equal(t, scanning.MaxPort, scanReq.Ports.Len())
	assert.Equal(t, scanning.OrderSequential, scanReq.Order)
}

func TestGetScanNotFound(t *testing.T) {
	h, _, _ := newScanTestHandler(t, openOn())

	rec := httptest.NewRecorder()
	h.GetScan(rec, withID(http.MethodGet, "/api/v1/scans/missing", "missing"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", string(decodeError(t, rec).Code))
}

func TestGetScanMissingID(t *testing.T) {
	h, _, _ := newScanTestHandler(t, openOn())

	rec := httptest.NewRecorder()
	h.GetScan(rec, withID(http.MethodGet, "/api/v1/scans/", " "))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelScan(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h, svc, _ := newScanTestHandler(t, blockingProber(release))

	rec := postScan(h, `{"target":"127.0.0.1","ports":"1-100","concurrency":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started StartScanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))

	cancelRec := httptest.NewRecorder()
	h.CancelScan(cancelRec, withID(http.MethodDelete, "/api/v1/scans/"+started.ID, started.ID))
	assert.Equal(t, http.StatusAccepted, cancelRec.Code)

	waitDone(t, svc, started.ID)

	getRec := httptest.NewRecorder()
	h.GetScan(getRec, withID(http.MethodGet, "/api/v1/scans/"+started.ID, started.ID))
	var resp ScanResponse
	require.NoError(t, json.NewDecoder(getRec.Body).Decode(&resp))
	assert.Equal(t, scanning.StateCancelled, resp.State)
	assert.True(t, resp.Partial)
	assert.Less(t, resp.Completed, 100)

	againRec := httptest.NewRecorder()
	h.CancelScan(againRec, withID(http.MethodDelete, "/api/v1/scans/"+started.ID, started.ID))
	assert.Equal(t, http.StatusConflict, againRec.Code)

	unknownRec := httptest.NewRecorder()
	h.CancelScan(unknownRec, withID(http.MethodDelete, "/api/v1/scans/nope", "nope"))
	assert.Equal(t, http.StatusNotFound, unknownRec.Code)
}

func TestListScans(t *testing.T) {
	h, svc, _ := newScanTestHandler(t, openOn(22))

	var ids []string
	for i := 0; i < 3; i++ {
		rec := postScan(h, `{"target":"127.0.0.1","ports":"22"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var started StartScanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
		ids = append(ids, started.ID)
		waitDone(t, svc, started.ID)
	}

	rec := httptest.NewRecorder()
	h.ListScans(rec, httptest.NewRequest(http.MethodGet, "/api/v1/scans?page=1&page_size=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListScansResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 2, resp.Pagination.PageSize)
	// Newest first.
	assert.Equal(t, ids[2], resp.Data[0].ID)
	assert.Equal(t, ids[1], resp.Data[1].ID)

	bad := httptest.NewRecorder()
	h.ListScans(bad, httptest.NewRequest(http.MethodGet, "/api/v1/scans?page=x", nil))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

type failingPinger struct{ err error }

func (p failingPinger) PingContext(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	t.Run("healthy without database", func(t *testing.T) {
		svc := newTestService(t, openOn())
		h := NewHealthHandler(nil, svc, discardLogger(), metrics.NewRegistry())

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, StatusHealthy, resp.Status)
		assert.Equal(t, StatusNotConfigured, resp.Checks["database"])
		assert.Equal(t, "ok", resp.Checks["scans"])
	})

	t.Run("unhealthy when database ping fails", func(t *testing.T) {
		h := NewHealthHandler(failingPinger{err: assert.AnError}, nil, discardLogger(), nil)

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, StatusUnhealthy, resp.Status)
		assert.Contains(t, resp.Checks["database"], "failed")
	})
}

func TestStatusListsActiveScans(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc := newTestService(t, blockingProber(release))

	req := scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.MustPortRange(1, 2, 3),
		Concurrency: 1,
		Order:       scanning.OrderSequential,
		GracePeriod: 50 * time.Millisecond,
	}
	handle, err := svc.StartScan(context.Background(), req)
	require.NoError(t, err)

	registry := metrics.NewRegistry()
	registry.Counter("probes_total", nil)
	h := NewHealthHandler(nil, svc, discardLogger(), registry)

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "portsweep", resp.Service.Name)
	require.Equal(t, 1, resp.Scans.Running)
	assert.Equal(t, handle.ID(), resp.Scans.Active[0].ID)
	assert.Equal(t, 3, resp.Scans.Active[0].Total)
	assert.True(t, resp.Metrics.Enabled)
	assert.Equal(t, 1, resp.Metrics.TotalCounters)

	handle.Cancel()
}

func TestVersion(t *testing.T) {
	SetBuildInfo("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetBuildInfo("dev", "none", "unknown") })

	h := NewHealthHandler(nil, nil, discardLogger(), nil)
	rec := httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "abc123", resp.Commit)
}

func TestWriteErrorMasksUncodedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(rec, req, 0, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "internal server error", resp.Message)
	assert.Empty(t, resp.Code)
}

func TestGetPaginationParams(t *testing.T) {
	params, err := getPaginationParams(httptest.NewRequest(http.MethodGet, "/?page=3&page_size=10", nil))
	require.NoError(t, err)
	assert.Equal(t, PaginationParams{Page: 3, PageSize: 10, Offset: 20}, params)

	params, err = getPaginationParams(httptest.NewRequest(http.MethodGet, "/?page=0&page_size=9999", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, params.Page)
	assert.Equal(t, 500, params.PageSize)
}
