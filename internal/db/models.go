package db

import (
	"database/sql/driver"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portsweep/internal/scanning"
)

// IPAddr wraps netip.Addr to implement the PostgreSQL INET type.
type IPAddr struct {
	netip.Addr
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (ip *IPAddr) Scan(value interface{}) error {
	if value == nil {
		ip.Addr = netip.Addr{}
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	// INET values may carry a host prefix such as /32.
	if prefix, err := netip.ParsePrefix(s); err == nil {
		ip.Addr = prefix.Addr()
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("failed to parse IP address: %s", s)
	}
	ip.Addr = addr
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (ip IPAddr) Value() (driver.Value, error) {
	if !ip.IsValid() {
		return nil, nil
	}
	return ip.Addr.String(), nil
}

// String returns the address, or "" when unset.
func (ip IPAddr) String() string {
	if !ip.IsValid() {
		return ""
	}
	return ip.Addr.String()
}

// ScanRecord is a row of the scans table.
type ScanRecord struct {
	ID             uuid.UUID `db:"id"`
	Target         string    `db:"target"`
	Address        IPAddr    `db:"address"`
	State          string    `db:"state"`
	Partial        bool      `db:"partial"`
	TotalRequested int       `db:"total_requested"`
	Completed      int       `db:"completed"`
	ClosedCount    int       `db:"closed_count"`
	ErrorCount     int       `db:"error_count"`
	Duplicates     int       `db:"duplicates"`
	Order          string    `db:"scan_order"`
	Seed           int64     `db:"seed"`
	Concurrency    int       `db:"concurrency"`
	TimeoutMS      int64     `db:"timeout_ms"`
	StartedAt      time.Time `db:"started_at"`
	FinishedAt     time.Time `db:"finished_at"`
	DurationMS     int64     `db:"duration_ms"`
	CreatedAt      time.Time `db:"created_at"`
}

// PortRecord is a row of the scan_ports table.
type PortRecord struct {
	ScanID  uuid.UUID `db:"scan_id"`
	Port    int       `db:"port"`
	Outcome string    `db:"outcome"`
	Detail  *string   `db:"detail"`
}

// newScanRecord converts a finished summary into its database row.
func newScanRecord(s *scanning.ScanSummary) (*ScanRecord, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid scan id %q: %w", s.ID, err)
	}
	rec := &ScanRecord{
		ID:             id,
		Target:         s.Target,
		State:          string(s.State),
		Partial:        s.Partial,
		TotalRequested: s.TotalRequested,
		Completed:      s.Completed,
		ClosedCount:    s.ClosedCount,
		ErrorCount:     s.ErrorCount,
		Duplicates:     s.Duplicates,
		Order:          string(s.Order),
		Seed:           s.Seed,
		Concurrency:    s.Concurrency,
		TimeoutMS:      s.Timeout.Milliseconds(),
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		DurationMS:     s.Duration.Milliseconds(),
	}
	if s.Address != "" {
		addr, err := netip.ParseAddr(s.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid scan address %q: %w", s.Address, err)
		}
		rec.Address = IPAddr{Addr: addr}
	}
	return rec, nil
}

// portRecords flattens the open and errored ports of a summary, ordered by port.
func portRecords(s *scanning.ScanSummary) (ports []int64, outcomes []string, details []string) {
	type row struct {
		port    uint16
		outcome scanning.Outcome
		detail  string
	}
	rows := make([]row, 0, len(s.OpenPorts)+len(s.Errors))
	for _, p := range s.OpenPorts {
		rows = append(rows, row{port: p, outcome: scanning.OutcomeOpen})
	}
	for p, detail := range s.Errors {
		rows = append(rows, row{port: p, outcome: scanning.OutcomeError, detail: detail})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].port < rows[j].port })

	for _, r := range rows {
		ports = append(ports, int64(r.port))
		outcomes = append(outcomes, string(r.outcome))
		details = append(details, r.detail)
	}
	return ports, outcomes, details
}

// toSummary rebuilds a summary from a row and its stored ports.
func (r *ScanRecord) toSummary(ports []PortRecord) *scanning.ScanSummary {
	s := &scanning.ScanSummary{
		ID:             r.ID.String(),
		Target:         r.Target,
		Address:        r.Address.String(),
		State:          scanning.State(r.State),
		Partial:        r.Partial,
		TotalRequested: r.TotalRequested,
		Completed:      r.Completed,
		OpenPorts:      []uint16{},
		ClosedCount:    r.ClosedCount,
		ErrorCount:     r.ErrorCount,
		Duplicates:     r.Duplicates,
		Order:          scanning.Order(r.Order),
		Seed:           r.Seed,
		Concurrency:    r.Concurrency,
		Timeout:        time.Duration(r.TimeoutMS) * time.Millisecond,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Duration:       time.Duration(r.DurationMS) * time.Millisecond,
	}
	for _, p := range ports {
		switch scanning.Outcome(p.Outcome) {
		case scanning.OutcomeOpen:
			s.OpenPorts = append(s.OpenPorts, uint16(p.Port))
		case scanning.OutcomeError:
			if s.Errors == nil {
				s.Errors = make(map[uint16]string)
			}
			detail := ""
			if p.Detail != nil {
				detail = *p.Detail
			}
			s.Errors[uint16(p.Port)] = detail
		}
	}
	sort.Slice(s.OpenPorts, func(i, j int) bool { return s.OpenPorts[i] < s.OpenPorts[j] })
	return s
}
