package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
	"github.com/anstrom/portsweep/internal/services"
)

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newWebSocketServer(t *testing.T, svc *services.ScanService) (*httptest.Server, *WebSocketHandler) {
	t.Helper()
	ws := NewWebSocketHandler(svc, svc.Events(), discardLogger(), metrics.NewRegistry())
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/scans/{id}/events", ws.ScanEvents)
	router.HandleFunc("/api/v1/events", ws.AllEvents)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = ws.Close()
		srv.Close()
	})
	return srv, ws
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestScanEventsFinishedScan(t *testing.T) {
	svc := newTestService(t, openOn(443))
	srv, _ := newWebSocketServer(t, svc)

	handle, err := svc.StartScan(context.Background(), scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.MustPortRange(80, 443),
		Concurrency: 2,
		Order:       scanning.OrderSequential,
	})
	require.NoError(t, err)
	waitDone(t, svc, handle.ID())

	conn, _, err := dial(t, srv, "/api/v1/scans/"+handle.ID()+"/events")
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, MessageSummary, msg.Type)

	var summary scanning.ScanSummary
	require.NoError(t, json.Unmarshal(msg.Data, &summary))
	assert.Equal(t, handle.ID(), summary.ID)
	assert.Equal(t, []uint16{443}, summary.OpenPorts)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestScanEventsStreamsRunningScan(t *testing.T) {
	release := make(chan struct{})
	svc := newTestService(t, blockingProber(release))
	srv, ws := newWebSocketServer(t, svc)

	handle, err := svc.StartScan(context.Background(), scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.MustPortRange(1, 2, 3),
		Concurrency: 3,
		Order:       scanning.OrderSequential,
	})
	require.NoError(t, err)

	conn, _, err := dial(t, srv, "/api/v1/scans/"+handle.ID()+"/events")
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return ws.Connections() == 1 }, time.Second, 5*time.Millisecond)

	close(release)

	results := 0
	for {
		msg := readMessage(t, conn)
		if msg.Type == MessageSummary {
			var summary scanning.ScanSummary
			require.NoError(t, json.Unmarshal(msg.Data, &summary))
			assert.Equal(t, scanning.StateCompleted, summary.State)
			assert.Equal(t, 3, summary.Completed)
			break
		}
		require.Equal(t, MessageEvent, msg.Type)
		var e scanning.Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, handle.ID(), e.ScanID)
		if e.Kind == scanning.EventResult {
			results++
		}
	}
	assert.Equal(t, 3, results)
}

func TestScanEventsUnknownScan(t *testing.T) {
	svc := newTestService(t, openOn())
	srv, _ := newWebSocketServer(t, svc)

	conn, resp, err := dial(t, srv, "/api/v1/scans/missing/events")
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllEvents(t *testing.T) {
	svc := newTestService(t, openOn(22))
	srv, ws := newWebSocketServer(t, svc)

	conn, _, err := dial(t, srv, "/api/v1/events")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return svc.Events().Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	handle, err := svc.StartScan(context.Background(), scanning.ScanRequest{
		Target:      "127.0.0.1",
		Ports:       scanning.MustPortRange(22),
		Concurrency: 1,
	})
	require.NoError(t, err)

	msg := readMessage(t, conn)
	require.Equal(t, MessageEvent, msg.Type)
	var e scanning.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, handle.ID(), e.ScanID)

	require.NoError(t, ws.Close())
	assert.Equal(t, 0, ws.Connections())
}
