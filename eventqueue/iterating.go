package eventqueue

import (
	"time"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/loop"
)

// DefaultSlice is how long each loop iteration inside Wait may block.
const DefaultSlice = 100 * time.Millisecond

// Appender receives events produced outside the queue: call replies,
// socket traffic, simulated peers. Append must run on the queue's loop.
type Appender interface {
	Append(e *Event)
}

// QueueOption configures an IteratingQueue.
type QueueOption func(*IteratingQueue)

// WithTimeout sets how long Wait blocks for a single event.
func WithTimeout(d time.Duration) QueueOption {
	return func(q *IteratingQueue) {
		q.Timeout = d
	}
}

// WithVerbose logs every dequeued event.
func WithVerbose(verbose bool) QueueOption {
	return func(q *IteratingQueue) {
		q.Verbose = verbose
	}
}

// WithSlice sets how long each loop iteration inside Wait may block.
func WithSlice(d time.Duration) QueueOption {
	return func(q *IteratingQueue) {
		q.slice = d
	}
}

type methodImpl struct {
	pattern *Pattern
	handler func(*Event)
}

// IteratingQueue is the live queue. Wait drives its loop in short slices
// until an event has been appended or the timeout expires, so bus traffic,
// stand-in handlers and call continuations all run on the goroutine that
// is waiting.
type IteratingQueue struct {
	*Queue

	loop   *loop.Loop
	slice  time.Duration
	events []*Event

	state    attachState
	conn     bus.Conn
	filterID bus.FilterID
	impls    []methodImpl
}

// NewIteratingQueue creates a queue driven by l.
func NewIteratingQueue(l *loop.Loop, opts ...QueueOption) *IteratingQueue {
	q := &IteratingQueue{
		loop:  l,
		slice: DefaultSlice,
	}
	q.Queue = NewQueue(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Loop returns the loop the queue drives.
func (q *IteratingQueue) Loop() *loop.Loop {
	return q.loop
}

// Wait returns the oldest appended event, iterating the loop until one
// arrives. After Timeout without an event it returns ErrTimeout.
func (q *IteratingQueue) Wait() (*Event, error) {
	expired := false
	deadline := q.loop.CallLater(q.Timeout, func() {
		expired = true
	})

	for len(q.events) == 0 && !expired {
		if q.loop.Stopped() {
			deadline.Cancel()
			return nil, ErrLoopStopped
		}
		q.loop.Iterate(q.slice)
	}

	if len(q.events) == 0 {
		return nil, ErrTimeout
	}

	deadline.Cancel()
	e := q.events[0]
	q.events = q.events[1:]
	return e, nil
}

// Append adds an event to the pending list. It must be called on the
// loop's goroutine; other goroutines should go through Loop().Post.
func (q *IteratingQueue) Append(e *Event) {
	q.events = append(q.events, e)
}

// HandleEvent is Append under the name event producers traditionally use.
func (q *IteratingQueue) HandleEvent(e *Event) {
	q.Append(e)
}

// Pending is the number of appended events not yet returned by Wait.
func (q *IteratingQueue) Pending() int {
	return len(q.events)
}
