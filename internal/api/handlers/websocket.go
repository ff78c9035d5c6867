// Package handlers provides HTTP request handlers for the portsweep API.
// This file implements WebSocket endpoints that stream scan events.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	summaryWait     = 5 * time.Second
)

// Message types sent to WebSocket clients.
const (
	MessageEvent   = "event"
	MessageSummary = "summary"
)

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(scanID string) (<-chan scanning.Event, func())
}

// ScanLookup finds running and finished scans.
type ScanLookup interface {
	GetScan(ctx context.Context, id string) (*scanning.ScanSummary, error)
	Handle(id string) (*scanning.ScanHandle, bool)
}

// WebSocketHandler streams scan events over WebSocket connections.
type WebSocketHandler struct {
	scans    ScanLookup
	events   EventSource
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(
	scans ScanLookup,
	events EventSource,
	logger *slog.Logger,
	metricsManager metrics.MetricsRegistry,
) *WebSocketHandler {
	return &WebSocketHandler{
		scans:   scans,
		events:  events,
		logger:  logger.With("handler", "websocket"),
		metrics: metricsManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ScanEvents handles GET /api/v1/scans/{id}/events. A finished scan gets
// its summary and the connection is closed. A running scan streams every
// event followed by the final summary.
func (h *WebSocketHandler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	id, err := extractIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// Subscribe before looking the scan up so no event falls in between.
	events, unsubscribe := h.events.Subscribe(id)
	defer unsubscribe()

	handle, running := h.scans.Handle(id)
	var summary *scanning.ScanSummary
	if !running {
		summary, err = h.scans.GetScan(r.Context(), id)
		if err != nil {
			writeError(w, r, 0, err)
			return
		}
	}

	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer h.release(conn)

	if summary != nil {
		h.finish(conn, summary)
		return
	}

	gone := h.readPump(conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, open := <-events:
			if !open {
				return
			}
			if !h.send(conn, MessageEvent, e) {
				return
			}
		case <-handle.Done():
			h.drain(conn, events)
			ctx, cancel := context.WithTimeout(context.Background(), summaryWait)
			final, _ := handle.Wait(ctx)
			cancel()
			h.finish(conn, &final)
			return
		case <-ticker.C:
			if !h.ping(conn) {
				return
			}
		case <-gone:
			return
		}
	}
}

// AllEvents handles GET /api/v1/events, streaming events of every scan
// until the client disconnects.
func (h *WebSocketHandler) AllEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := h.events.Subscribe("")
	defer unsubscribe()

	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer h.release(conn)

	gone := h.readPump(conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, open := <-events:
			if !open || !h.send(conn, MessageEvent, e) {
				return
			}
		case <-ticker.C:
			if !h.ping(conn) {
				return
			}
		case <-gone:
			return
		}
	}
}

// Connections returns the number of open connections.
func (h *WebSocketHandler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every open connection and refuses new ones.
func (h *WebSocketHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.conns {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "error", err)
		}
	}
	h.conns = make(map[*websocket.Conn]struct{})
	return nil
}

func (h *WebSocketHandler) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("Failed to upgrade WebSocket connection",
			"request_id", getRequestID(r), "error", err)
		return nil, false
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("WebSocket connection opened",
		"request_id", getRequestID(r), "remote_addr", r.RemoteAddr)
	recordMetric(h.metrics, "websocket_connections_total", nil)
	return conn, true
}

func (h *WebSocketHandler) release(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// readPump consumes client frames so control messages are processed. The
// returned channel closes when the client goes away.
func (h *WebSocketHandler) readPump(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocket unexpected close", "error", err)
				}
				return
			}
		}
	}()
	return gone
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msgType string, data interface{}) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	err := conn.WriteJSON(WebSocketMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		h.logger.Debug("Write failed, closing connection", "error", err)
		return false
	}
	recordMetric(h.metrics, "websocket_messages_sent_total", metrics.Labels{"type": msgType})
	return true
}

func (h *WebSocketHandler) ping(conn *websocket.Conn) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	return conn.WriteMessage(websocket.PingMessage, nil) == nil
}

// drain forwards events already buffered for the subscriber.
func (h *WebSocketHandler) drain(conn *websocket.Conn, events <-chan scanning.Event) {
	for {
		select {
		case e, open := <-events:
			if !open || !h.send(conn, MessageEvent, e) {
				return
			}
		default:
			return
		}
	}
}

func (h *WebSocketHandler) finish(conn *websocket.Conn, summary *scanning.ScanSummary) {
	if !h.send(conn, MessageSummary, summary) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(summary.State))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
