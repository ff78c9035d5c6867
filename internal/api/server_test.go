package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

func closedProber() scanning.ProberFunc {
	return func(_ context.Context, _ netip.Addr, port uint16, _ time.Duration) scanning.ProbeResult {
		return scanning.ProbeResult{Port: port, Outcome: scanning.OutcomeClosed}
	}
}

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.API.Port = 0
	cfg.API.RateLimit = 0
	cfg.Scanning.Concurrency = 4
	cfg.Scanning.Ports = "80"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *metrics.PrometheusMetrics, *metrics.Registry) {
	t.Helper()
	svc := services.NewScanService(services.Config{
		Logger: logging.Discard(),
		EngineOptions: []scanning.Option{
			scanning.WithProber(closedProber()),
			scanning.WithLogger(logging.Discard()),
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	prom := metrics.NewPrometheusMetrics()
	registry := metrics.NewRegistry()
	srv, err := New(cfg, Dependencies{
		Scans:      svc,
		Registry:   registry,
		Prometheus: prom,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(srv.cancel)
	return srv, prom, registry
}

func serve(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresScanService(t *testing.T) {
	_, err := New(createTestConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t, createTestConfig())

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/liveness", http.StatusOK},
		{http.MethodGet, "/api/v1/health", http.StatusOK},
		{http.MethodGet, "/api/v1/status", http.StatusOK},
		{http.MethodGet, "/api/v1/version", http.StatusOK},
		{http.MethodGet, "/api/v1/scans", http.StatusOK},
		{http.MethodGet, "/api/v1/scans/unknown", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/scans/unknown", http.StatusNotFound},
		{http.MethodPost, "/api/v1/scans/unknown/cancel", http.StatusNotFound},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/swagger/doc.json", http.StatusOK},
		{http.MethodGet, "/api/v1/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(srv, tt.method, tt.path, "", nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateAndFetchScan(t *testing.T) {
	srv, _, registry := newTestServer(t, createTestConfig())

	rec := serve(srv, http.MethodPost, "/api/v1/scans", `{"target":"127.0.0.1","ports":"1-10"}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var started struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, 10, started.Total)

	require.Eventually(t, func() bool {
		rec := serve(srv, http.MethodGet, "/api/v1/scans/"+started.ID, "", nil)
		var summary scanning.ScanSummary
		if rec.Code != http.StatusOK || json.NewDecoder(rec.Body).Decode(&summary) != nil {
			return false
		}
		return summary.State == scanning.StateCompleted && summary.ClosedCount == 10
	}, 5*time.Second, 10*time.Millisecond)

	// Request metrics use the route template, not the scan ID.
	found := false
	for key := range registry.GetMetrics() {
		if strings.Contains(key, "path=/api/v1/scans/{id}") {
			found = true
		}
		assert.NotContains(t, key, started.ID)
	}
	assert.True(t, found)

	metricsRec := serve(srv, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, metricsRec.Body.String(), "portsweep_api_requests_total")
}

func TestContentTypeRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, createTestConfig())

	rec := serve(srv, http.MethodPost, "/api/v1/scans", `target=127.0.0.1`,
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := createTestConfig()
	cfg.API.APIKeyHashes = []string{string(hash)}
	srv, _, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/health", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(srv, http.MethodGet, "/api/v1/scans", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(srv, http.MethodGet, "/api/v1/scans", "",
		map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/scans", "",
		map[string]string{"X-API-Key": "secret-key"}).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/api/v1/scans", "",
		map[string]string{"Authorization": "Bearer secret-key"}).Code)

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/swagger/doc.json", "", nil).Code)
}

func TestSwaggerDocument(t *testing.T) {
	srv, _, _ := newTestServer(t, createTestConfig())

	rec := serve(srv, http.MethodGet, "/swagger/doc.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Info struct {
			Title string `json:"title"`
		} `json:"info"`
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "portsweep API", doc.Info.Title)
	assert.Equal(t, "/api/v1", doc.BasePath)
	assert.Contains(t, doc.Paths, "/scans")
	assert.Contains(t, doc.Paths, "/scans/{id}")
}

func TestRateLimit(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.RateLimit = 1
	cfg.API.RateLimitBurst = 2
	srv, _, _ := newTestServer(t, cfg)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, serve(srv, http.MethodGet, "/api/v1/scans", "", nil).Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}

func TestCORS(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.CORS.Enabled = true
	cfg.API.CORS.AllowedOrigins = []string{"https://ui.example.com"}
	srv, _, _ := newTestServer(t, cfg)

	rec := serve(srv, http.MethodOptions, "/api/v1/scans", "", map[string]string{
		"Origin":                        "https://ui.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartAndStop(t *testing.T) {
	srv, _, _ := newTestServer(t, createTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, port, err := net.SplitHostPort(srv.Addr())
		return err == nil && port != "0"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/liveness")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := createTestConfig()
	cfg.API.Port = ln.Addr().(*net.TCPAddr).Port
	srv, _, _ := newTestServer(t, cfg)

	err = srv.Start(context.Background())
	assert.Error(t, err)
}
