// Package services holds the scan service that sits between the scan engine
// and its consumers: the HTTP API, the scheduler and the CLI. It tracks
// running scans, persists finished summaries and fans out scan events.
package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
	"github.com/anstrom/portsweep/internal/scanning"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/portsweep/internal/services ScanStore

const (
	defaultRecentLimit = 100
	persistTimeout     = 10 * time.Second
	persistAttempts    = 3
	persistBackoff     = 500 * time.Millisecond
)

// ScanStore persists finished scan summaries.
type ScanStore interface {
	SaveSummary(ctx context.Context, summary *scanning.ScanSummary) error
	GetScan(ctx context.Context, id string) (*scanning.ScanSummary, error)
	ListScans(ctx context.Context, limit, offset int) ([]*scanning.ScanSummary, error)
}

// Config configures a ScanService.
type Config struct {
	// Store is optional; without it finished scans are kept in memory only.
	Store   ScanStore
	Logger  *logging.Logger
	Metrics metrics.MetricsRegistry
	// RecentLimit bounds the in-memory list of finished scans.
	RecentLimit int
	// EngineOptions are passed to the scan engine. The service installs its
	// own event sink after them.
	EngineOptions []scanning.Option
	// Sink additionally receives every scan event.
	Sink scanning.EventSink
}

// ScanService runs scans and keeps track of them until they are persisted.
type ScanService struct {
	engine  *scanning.Engine
	store   ScanStore
	broker  *EventBroker
	logger  *logging.Logger
	metrics metrics.MetricsRegistry

	mu          sync.RWMutex
	active      map[string]*scanning.ScanHandle
	recent      []*scanning.ScanSummary
	recentLimit int
	closed      bool

	wg sync.WaitGroup
}

// NewScanService creates a scan service and the engine it drives.
func NewScanService(cfg Config) *ScanService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	limit := cfg.RecentLimit
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	s := &ScanService{
		store:       cfg.Store,
		broker:      NewEventBroker(0),
		logger:      logger.WithComponent("scan-service"),
		metrics:     cfg.Metrics,
		active:      make(map[string]*scanning.ScanHandle),
		recentLimit: limit,
	}

	sink := scanning.MultiSink{s.broker}
	if cfg.Sink != nil {
		sink = append(sink, cfg.Sink)
	}
	opts := append([]scanning.Option{}, cfg.EngineOptions...)
	opts = append(opts, scanning.WithEventSink(sink))
	s.engine = scanning.NewEngine(opts...)
	return s
}

// Events returns the broker that receives every scan event.
func (s *ScanService) Events() *EventBroker {
	return s.broker
}

// StartScan starts a scan and returns its handle. Resolution failures are
// returned directly and leave nothing behind.
func (s *ScanService) StartScan(ctx context.Context, req scanning.ScanRequest) (*scanning.ScanHandle, error) {
	// The wait group slot is taken under the lock so Shutdown either refuses
	// this scan or waits for it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.NewScanError(errors.CodeServiceUnavailable, "scan service is shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	h, err := s.engine.StartScan(ctx, req)
	if err != nil {
		s.wg.Done()
		s.count(metrics.MetricScansFinished, metrics.Labels{metrics.LabelState: string(scanning.StateFailed)})
		return nil, err
	}
	s.count(metrics.MetricScansStarted, nil)

	s.mu.Lock()
	s.active[h.ID()] = h
	closed := s.closed
	s.mu.Unlock()

	// Shutdown began while the target was resolving and did not see h.
	if closed {
		h.Cancel()
	}

	go s.watch(h)
	return h, nil
}

func (s *ScanService) watch(h *scanning.ScanHandle) {
	defer s.wg.Done()
	<-h.Done()

	summary, err := h.Summary()
	if err != nil {
		s.logger.WithScanID(h.ID()).Error("finished scan has no summary", "error", err)
		return
	}
	s.count(metrics.MetricScansFinished, metrics.Labels{metrics.LabelState: string(summary.State)})

	if s.store != nil {
		s.persist(&summary)
	}

	s.mu.Lock()
	delete(s.active, h.ID())
	s.recent = append(s.recent, &summary)
	if over := len(s.recent) - s.recentLimit; over > 0 {
		s.recent = s.recent[over:]
	}
	s.mu.Unlock()
}

// persist saves summary, retrying errors that are worth retrying.
func (s *ScanService) persist(summary *scanning.ScanSummary) {
	log := s.logger.WithScanID(summary.ID)
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.store.SaveSummary(ctx, summary)
		cancel()
		if err == nil {
			log.Debug("scan summary saved")
			return
		}
		if !errors.IsRetryable(err) || attempt == persistAttempts {
			log.Error("failed to save scan summary", "error", err, "attempt", attempt)
			return
		}
		log.Warn("retrying scan summary save", "error", err, "attempt", attempt)
		time.Sleep(time.Duration(attempt) * persistBackoff)
	}
}

// GetScan returns the live snapshot of a running scan, or the summary of a
// finished one.
func (s *ScanService) GetScan(ctx context.Context, id string) (*scanning.ScanSummary, error) {
	s.mu.RLock()
	if h, ok := s.active[id]; ok {
		s.mu.RUnlock()
		snap := h.Snapshot()
		return &snap, nil
	}
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].ID == id {
			summary := *s.recent[i]
			s.mu.RUnlock()
			return &summary, nil
		}
	}
	s.mu.RUnlock()

	if s.store == nil {
		return nil, errors.ErrScanNotFound(id)
	}
	return s.store.GetScan(ctx, id)
}

// ListScans returns running scans first, then finished scans newest first.
// limit and offset apply to finished scans only.
func (s *ScanService) ListScans(ctx context.Context, limit, offset int) ([]*scanning.ScanSummary, error) {
	running := s.Active()
	out := make([]*scanning.ScanSummary, 0, len(running))
	seen := make(map[string]struct{}, len(running))
	for _, h := range running {
		snap := h.Snapshot()
		out = append(out, &snap)
		seen[snap.ID] = struct{}{}
	}

	var finished []*scanning.ScanSummary
	if s.store != nil {
		stored, err := s.store.ListScans(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		finished = stored
	} else {
		finished = s.recentPage(limit, offset)
	}

	for _, summary := range finished {
		if _, dup := seen[summary.ID]; dup {
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *ScanService) recentPage(limit, offset int) []*scanning.ScanSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := make([]*scanning.ScanSummary, 0, len(s.recent))
	for i := len(s.recent) - 1; i >= 0; i-- {
		summary := *s.recent[i]
		page = append(page, &summary)
	}
	if offset > len(page) {
		offset = len(page)
	}
	if offset > 0 {
		page = page[offset:]
	}
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return page
}

// CancelScan requests cancellation of a running scan.
func (s *ScanService) CancelScan(id string) error {
	s.mu.RLock()
	h, ok := s.active[id]
	s.mu.RUnlock()
	if !ok {
		if _, err := s.GetScan(context.Background(), id); err == nil {
			return errors.NewScanError(errors.CodeConflict, "scan already finished").WithContext("scan_id", id)
		}
		return errors.ErrScanNotFound(id)
	}
	h.Cancel()
	return nil
}

// Active returns the handles of running scans, oldest first.
func (s *ScanService) Active() []*scanning.ScanHandle {
	s.mu.RLock()
	handles := make([]*scanning.ScanHandle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].StartedAt().Before(handles[j].StartedAt())
	})
	return handles
}

// Handle returns the handle of a running scan.
func (s *ScanService) Handle(id string) (*scanning.ScanHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.active[id]
	return h, ok
}

// Shutdown refuses new scans, cancels running ones and waits until their
// summaries have been stored or ctx is done.
func (s *ScanService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*scanning.ScanHandle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeTimeout, "timed out waiting for scans to stop", ctx.Err())
	}
	return s.engine.Close()
}

func (s *ScanService) count(name string, labels metrics.Labels) {
	if s.metrics != nil {
		s.metrics.Counter(name, labels)
	}
}
