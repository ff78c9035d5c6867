package services

import (
	"sync"
	"sync/atomic"

	"github.com/anstrom/portsweep/internal/scanning"
)

const defaultSubscriberBuffer = 256

// EventBroker fans scan events out to subscribers. Slow subscribers lose
// events instead of stalling the scan.
type EventBroker struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	next    uint64
	buffer  int
	dropped atomic.Int64
}

type subscription struct {
	scanID string
	ch     chan scanning.Event
}

// NewEventBroker creates a broker whose subscriber channels hold buffer
// events. A non-positive buffer selects the default.
func NewEventBroker(buffer int) *EventBroker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventBroker{subs: make(map[uint64]*subscription), buffer: buffer}
}

// OnEvent implements scanning.EventSink.
func (b *EventBroker) OnEvent(e scanning.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.scanID != "" && sub.scanID != e.ScanID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events for scanID, or for every scan when
// scanID is empty. The returned function unsubscribes and closes the channel.
func (b *EventBroker) Subscribe(scanID string) (<-chan scanning.Event, func()) {
	sub := &subscription{scanID: scanID, ch: make(chan scanning.Event, b.buffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *EventBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded for full subscribers.
func (b *EventBroker) Dropped() int64 {
	return b.dropped.Load()
}
