package store

import (
	"context"
	"sync"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// eventFIFO is the RuntimeStore's event queue. STOPLOSS events are kept in
// a separate priority lane that always drains before the normal lane: once
// a STOPLOSS event is enqueued it is dequeued before any already-queued
// non-STOPLOSS event. Ordering across strategies is unconstrained; within
// a lane, FIFO order holds.
type eventFIFO struct {
	mu       sync.Mutex
	notEmpty chan struct{} // closed and replaced on every Enqueue, broadcasting to every waiter
	priority []domain.EventRecord
	normal   []domain.EventRecord
	inFlight map[string]struct{} // dedup keys currently queued, per strategy
}

func newEventFIFO() *eventFIFO {
	return &eventFIFO{
		notEmpty: make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// signal wakes every Dequeue call currently parked on q.notEmpty. Closing
// a channel broadcasts to every receiver at once, unlike a buffered send
// which only ever wakes one — this is what lets a burst of Enqueue calls
// drain across multiple workers in parallel instead of one at a time.
// Callers must hold q.mu.
func (q *eventFIFO) signal() {
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

// Enqueue appends ev, or skips it when an event with the same DedupKey is
// already queued for the strategy — idempotency for retry storms.
func (q *eventFIFO) Enqueue(ev domain.EventRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.DedupKey != "" {
		if _, exists := q.inFlight[ev.DedupKey]; exists {
			return
		}
		q.inFlight[ev.DedupKey] = struct{}{}
	}

	if ev.Kind == domain.EventStopLoss {
		q.priority = append(q.priority, ev)
	} else {
		q.normal = append(q.normal, ev)
	}
	q.signal()
}

// Dequeue blocks until an event is available or ctx is done, returning
// ok=false on the latter.
func (q *eventFIFO) Dequeue(ctx context.Context) (domain.EventRecord, bool) {
	for {
		q.mu.Lock()
		ev, found := q.pop()
		wake := q.notEmpty
		q.mu.Unlock()
		if found {
			return ev, true
		}

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return domain.EventRecord{}, false
		}
	}
}

func (q *eventFIFO) pop() (domain.EventRecord, bool) {
	if len(q.priority) > 0 {
		ev := q.priority[0]
		q.priority = q.priority[1:]
		delete(q.inFlight, ev.DedupKey)
		return ev, true
	}
	if len(q.normal) > 0 {
		ev := q.normal[0]
		q.normal = q.normal[1:]
		delete(q.inFlight, ev.DedupKey)
		return ev, true
	}
	return domain.EventRecord{}, false
}

func (q *eventFIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.normal)
}
