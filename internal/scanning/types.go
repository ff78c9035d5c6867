package scanning

import (
	"fmt"
	"strings"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

const (
	// DefaultTimeout bounds a single connect attempt.
	DefaultTimeout = 1500 * time.Millisecond
	// DefaultConcurrency is the number of probes allowed in flight.
	DefaultConcurrency = 600
	// DefaultGracePeriod is how long in-flight probes may run after Cancel.
	DefaultGracePeriod = 2 * time.Second

	maxConcurrency = 65535
)

// Outcome classifies a single probe.
type Outcome string

const (
	OutcomeOpen   Outcome = "open"
	OutcomeClosed Outcome = "closed"
	OutcomeError  Outcome = "error"
)

// Order controls the sequence in which ports are dispatched.
type Order string

const (
	OrderSequential Order = "sequential"
	OrderShuffled   Order = "shuffled"
)

// ParseOrder accepts the canonical names plus the short CLI aliases.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "seq", "ordered":
		return OrderSequential, nil
	case "", "shuffled", "shuffle", "random":
		return OrderShuffled, nil
	default:
		return "", errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown port order %q", s))
	}
}

// State is the lifecycle position of a scan.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateScanning  State = "scanning"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ProbeResult is the outcome of probing one port.
type ProbeResult struct {
	Port     uint16        `json:"port"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ScanSummary is the aggregated outcome of a scan. It is immutable once
// returned from Finalize.
type ScanSummary struct {
	ID             string            `json:"id"`
	Target         string            `json:"target"`
	Address        string            `json:"address,omitempty"`
	State          State             `json:"state"`
	Partial        bool              `json:"partial"`
	TotalRequested int               `json:"total_requested"`
	Completed      int               `json:"completed"`
	OpenPorts      []uint16          `json:"open_ports"`
	ClosedCount    int               `json:"closed_count"`
	ErrorCount     int               `json:"error_count"`
	Duplicates     int               `json:"duplicates,omitempty"`
	Errors         map[uint16]string `json:"errors,omitempty"`
	Order          Order             `json:"order"`
	Seed           int64             `json:"seed,omitempty"`
	Concurrency    int               `json:"concurrency"`
	Timeout        time.Duration     `json:"timeout"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Duration       time.Duration     `json:"duration"`
}

// IsOpen reports whether port is in the open set.
func (s *ScanSummary) IsOpen(port uint16) bool {
	for _, p := range s.OpenPorts {
		if p == port {
			return true
		}
	}
	return false
}

// ScanRequest describes a scan to start.
type ScanRequest struct {
	Target      string
	Ports       PortRange
	Concurrency int
	Timeout     time.Duration
	Order       Order
	// Seed fixes the shuffle. Zero picks a random seed, reported in the summary.
	Seed        int64
	GracePeriod time.Duration
	// RateLimit caps dispatches per second. Zero disables the cap.
	RateLimit float64
}

// withDefaults fills zero values.
func (r ScanRequest) withDefaults() ScanRequest {
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Order == "" {
		r.Order = OrderShuffled
	}
	if r.GracePeriod == 0 {
		r.GracePeriod = DefaultGracePeriod
	}
	return r
}

// Validate checks the request after defaults were applied.
func (r ScanRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Target) == "":
		return errors.ErrInvalidTarget(r.Target)
	case r.Ports.Len() == 0:
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "no ports specified", r.Target)
	case r.Concurrency < 1 || r.Concurrency > maxConcurrency:
		return errors.NewScanErrorWithTarget(errors.CodeValidation,
			fmt.Sprintf("concurrency must be between 1 and %d", maxConcurrency), r.Target)
	case r.Timeout < 0:
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "timeout must be positive", r.Target)
	case r.GracePeriod < 0:
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "grace period must not be negative", r.Target)
	case r.RateLimit < 0:
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "rate limit must not be negative", r.Target)
	case r.Order != OrderSequential && r.Order != OrderShuffled:
		return errors.NewScanErrorWithTarget(errors.CodeValidation, fmt.Sprintf("unknown order %q", r.Order), r.Target)
	}
	if err := r.Ports.Validate(); err != nil {
		err.Target = r.Target
		return err
	}
	return nil
}
