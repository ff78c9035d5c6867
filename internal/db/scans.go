package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ScanRepository stores finished scan summaries.
type ScanRepository struct {
	db      *DB
	metrics metrics.MetricsRegistry
}

// NewScanRepository creates a repository. registry may be nil.
func NewScanRepository(db *DB, registry metrics.MetricsRegistry) *ScanRepository {
	return &ScanRepository{db: db, metrics: registry}
}

func (r *ScanRepository) observe(operation string, start time.Time, err error) {
	metrics.RecordDatabaseQuery(r.metrics, operation, time.Since(start), err == nil)
}

// SaveSummary writes the summary row and its open and errored ports in a
// single transaction. Saving the same scan twice is a conflict.
func (r *ScanRepository) SaveSummary(ctx context.Context, summary *scanning.ScanSummary) (err error) {
	start := time.Now()
	defer func() { r.observe("save_summary", start, err) }()

	if !summary.State.Terminal() {
		return errors.ErrScanInProgress(summary.ID)
	}
	rec, err := newScanRecord(summary)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeValidation, "invalid scan summary", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertScan := `
		INSERT INTO scans (
			id, target, address, state, partial, total_requested, completed,
			closed_count, error_count, duplicates, scan_order, seed, concurrency,
			timeout_ms, started_at, finished_at, duration_ms
		) VALUES (
			:id, :target, :address, :state, :partial, :total_requested, :completed,
			:closed_count, :error_count, :duplicates, :scan_order, :seed, :concurrency,
			:timeout_ms, :started_at, :finished_at, :duration_ms
		)`
	if _, err = tx.NamedExecContext(ctx, insertScan, rec); err != nil {
		return sanitizeDBError("insert scan", err)
	}

	ports, outcomes, details := portRecords(summary)
	if len(ports) > 0 {
		insertPorts := `
			INSERT INTO scan_ports (scan_id, port, outcome, detail)
			SELECT $1, p.port, p.outcome, NULLIF(p.detail, '')
			FROM unnest($2::int[], $3::text[], $4::text[]) AS p(port, outcome, detail)`
		_, err = tx.ExecContext(ctx, insertPorts,
			rec.ID, pq.Array(ports), pq.Array(outcomes), pq.Array(details))
		if err != nil {
			return sanitizeDBError("insert scan ports", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return sanitizeDBError("commit scan", err)
	}
	return nil
}

// GetScan loads a stored summary by ID.
func (r *ScanRepository) GetScan(ctx context.Context, id string) (summary *scanning.ScanSummary, err error) {
	start := time.Now()
	defer func() { r.observe("get_scan", start, err) }()

	scanID, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.ErrScanNotFound(id)
	}

	var rec ScanRecord
	query := `SELECT * FROM scans WHERE id = $1`
	if err = r.db.GetContext(ctx, &rec, query, scanID); err != nil {
		if errors.IsCode(sanitizeDBError("get scan", err), errors.CodeNotFound) {
			return nil, errors.ErrScanNotFound(id)
		}
		return nil, sanitizeDBError("get scan", err)
	}

	var ports []PortRecord
	portsQuery := `SELECT scan_id, port, outcome, detail FROM scan_ports WHERE scan_id = $1 ORDER BY port`
	if err = r.db.SelectContext(ctx, &ports, portsQuery, scanID); err != nil {
		return nil, sanitizeDBError("get scan ports", err)
	}
	return rec.toSummary(ports), nil
}

// ListScans returns stored summaries, newest first.
func (r *ScanRepository) ListScans(ctx context.Context, limit, offset int) (summaries []*scanning.ScanSummary, err error) {
	start := time.Now()
	defer func() { r.observe("list_scans", start, err) }()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var recs []ScanRecord
	query := `SELECT * FROM scans ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	if err = r.db.SelectContext(ctx, &recs, query, limit, offset); err != nil {
		return nil, sanitizeDBError("list scans", err)
	}
	if len(recs) == 0 {
		return []*scanning.ScanSummary{}, nil
	}

	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID.String()
	}

	var ports []PortRecord
	portsQuery := `
		SELECT scan_id, port, outcome, detail FROM scan_ports
		WHERE scan_id = ANY($1::uuid[]) ORDER BY scan_id, port`
	if err = r.db.SelectContext(ctx, &ports, portsQuery, pq.Array(ids)); err != nil {
		return nil, sanitizeDBError("list scan ports", err)
	}

	byScan := make(map[uuid.UUID][]PortRecord, len(recs))
	for _, p := range ports {
		byScan[p.ScanID] = append(byScan[p.ScanID], p)
	}

	summaries = make([]*scanning.ScanSummary, 0, len(recs))
	for i := range recs {
		summaries = append(summaries, recs[i].toSummary(byScan[recs[i].ID]))
	}
	return summaries, nil
}

// CountScans returns the number of stored scans.
func (r *ScanRepository) CountScans(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { r.observe("count_scans", start, err) }()

	if err = r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM scans`); err != nil {
		return 0, sanitizeDBError("count scans", err)
	}
	return n, nil
}
