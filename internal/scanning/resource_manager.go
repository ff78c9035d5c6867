package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

// ResourceManager bounds how many scans run at once.
type ResourceManager interface {
	// Acquire blocks until a slot is free for scanID or ctx is done.
	Acquire(ctx context.Context, scanID string) error
	// Release frees the slot held by scanID. Unknown IDs are ignored.
	Release(scanID string)
	// ActiveScans returns the IDs currently holding a slot and when they got it.
	ActiveScans() map[string]time.Time
	// AvailableSlots returns the number of free slots.
	AvailableSlots() int
	Close() error
}

// FixedResourceManager is a ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity    int
	semaphore   chan struct{}
	activeScans map[string]time.Time
	mutex       sync.RWMutex
	closed      bool
}

// NewFixedResourceManager creates a manager with the given capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &FixedResourceManager{
		capacity:    capacity,
		semaphore:   make(chan struct{}, capacity),
		activeScans: make(map[string]time.Time),
	}
}

// Acquire implements ResourceManager.
func (rm *FixedResourceManager) Acquire(ctx context.Context, scanID string) error {
	rm.mutex.RLock()
	closed := rm.closed
	_, held := rm.activeScans[scanID]
	rm.mutex.RUnlock()
	if closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "resource manager is closed")
	}
	if held {
		return errors.NewScanError(errors.CodeConflict, "scan already holds a slot").WithContext("scan_id", scanID)
	}

	select {
	case rm.semaphore <- struct{}{}:
		rm.mutex.Lock()
		rm.activeScans[scanID] = time.Now()
		rm.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeRateLimited, "no scan slot available", ctx.Err())
	}
}

// Release implements ResourceManager.
func (rm *FixedResourceManager) Release(scanID string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.activeScans[scanID]; !exists {
		return
	}
	delete(rm.activeScans, scanID)
	select {
	case <-rm.semaphore:
	default:
	}
}

// ActiveScans implements ResourceManager.
func (rm *FixedResourceManager) ActiveScans() map[string]time.Time {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	out := make(map[string]time.Time, len(rm.activeScans))
	for id, started := range rm.activeScans {
		out[id] = started
	}
	return out
}

// AvailableSlots implements ResourceManager.
func (rm *FixedResourceManager) AvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.capacity - len(rm.activeScans)
}

// Close rejects further acquisitions. Scans holding a slot keep it until
// they release.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.closed = true
	return nil
}
