package engine

import (
	"sync"

	"github.com/roach88/availwatch/internal/ledger"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventWatch hands a freshly submitted stream to the loop.
	EventWatch EventType = iota + 1
	// EventNotification carries one raw ledger notification.
	EventNotification
	// EventStreamClosed reports that a stream's channel closed.
	EventStreamClosed
	// EventSubmitFailed reports that the ledger rejected a submission outright.
	EventSubmitFailed
	// EventFallback reports that a finality fallback timer fired.
	EventFallback
	// EventAbandon asks the loop to stop watching a submission.
	EventAbandon
)

var eventNames = map[EventType]string{
	EventWatch:        "watch",
	EventNotification: "notification",
	EventStreamClosed: "stream_closed",
	EventSubmitFailed: "submit_failed",
	EventFallback:     "fallback",
	EventAbandon:      "abandon",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is one unit of work for the Run loop. ID is the record id.
type Event struct {
	Type         EventType
	ID           string
	Stream       ledger.Stream
	Notification ledger.Notification
	Err          error

	sub    *Submission
	sender string
	gen    uint64
}

// eventQueue is a thread-safe, unbounded FIFO queue of events.
//
// Stream pumps, timers and submitters enqueue from their own goroutines; the
// Run loop dequeues. A buffered signal channel of size 1 lets the loop wait
// with select alongside its context and ticker.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release the slot's stream and submission for GC.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued and wakes the waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
