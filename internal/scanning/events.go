package scanning

import (
	"time"

	"github.com/anstrom/portsweep/internal/logging"
)

// EventKind distinguishes scan events.
type EventKind string

const (
	EventState     EventKind = "state"
	EventResult    EventKind = "result"
	EventDuplicate EventKind = "duplicate"
)

// Event is emitted for every state transition and every accepted or
// rejected probe result.
type Event struct {
	ScanID    string    `json:"scan_id"`
	Kind      EventKind `json:"kind"`
	Target    string    `json:"target"`
	State     State     `json:"state,omitempty"`
	Port      uint16    `json:"port,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Time      time.Time `json:"time"`
}

// EventSink consumes scan events. OnEvent is called from the scan's
// aggregation goroutine and should return quickly.
type EventSink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// OnEvent calls f.
func (f SinkFunc) OnEvent(e Event) {
	f(e)
}

// NopSink discards events.
type NopSink struct{}

// OnEvent does nothing.
func (NopSink) OnEvent(Event) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// OnEvent forwards e to every sink.
func (m MultiSink) OnEvent(e Event) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(e)
		}
	}
}

// LogSink writes events to a logger. Open ports and state changes are
// logged at info, errors at warn and everything else at debug.
type LogSink struct {
	Logger *logging.Logger
}

// OnEvent implements EventSink.
func (s LogSink) OnEvent(e Event) {
	if s.Logger == nil {
		return
	}
	log := s.Logger.WithScanID(e.ScanID)
	switch e.Kind {
	case EventState:
		log.InfoScan("scan state changed", e.Target, "state", e.State,
			"completed", e.Completed, "total", e.Total)
	case EventDuplicate:
		log.Warn("duplicate probe result rejected", "port", e.Port, "outcome", e.Outcome)
	case EventResult:
		switch e.Outcome {
		case OutcomeOpen:
			log.Info("open port", "port", e.Port)
		case OutcomeError:
			log.Warn("probe error", "port", e.Port, "detail", e.Detail)
		default:
			log.DebugProbe(e.Port, string(e.Outcome), e.Detail)
		}
	}
}
