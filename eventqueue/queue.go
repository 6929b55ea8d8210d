// Package eventqueue turns the asynchronous traffic seen by a test into
// ordered, timeout-bounded assertions.
//
// A Queue pulls events one at a time from a Waiter and offers the test
// script a small vocabulary over them: Expect the next matching event,
// ExpectMany for a set whose arrival order is not guaranteed, ExpectRacy for
// an event that may already have arrived, Demand for a strict next event,
// and ForbidEvents for things that must never happen. Events that match
// nothing are kept as past events.
//
// The queue is not safe for concurrent use. Everything runs on the test's
// goroutine, which is also the goroutine driving the bus loop.
package eventqueue

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long Wait blocks for a single event.
const DefaultTimeout = 5 * time.Second

// Waiter produces the next event, blocking until one is available or a
// timeout expires (ErrTimeout). It is the only part of a queue that differs
// between a live bus and a replayed stream.
type Waiter interface {
	Wait() (*Event, error)
}

// Queue implements the matching disciplines on top of a Waiter.
type Queue struct {
	// Timeout bounds each Wait. Waiters that have no notion of time ignore it.
	Timeout time.Duration
	// Verbose logs every event as it is dequeued.
	Verbose bool

	waiter     Waiter
	pastEvents []*Event

	forbidden      map[*Pattern]struct{}
	forbiddenOrder []*Pattern
}

// NewQueue creates a queue reading from w.
func NewQueue(w Waiter) *Queue {
	return &Queue{
		Timeout:   DefaultTimeout,
		waiter:    w,
		forbidden: make(map[*Pattern]struct{}),
	}
}

func (q *Queue) logf(format string, args ...any) {
	if q.Verbose {
		logrus.Infof("[queue] "+format, args...)
	}
}

func (q *Queue) logEvent(prefix string, e *Event) {
	if !q.Verbose {
		return
	}
	logrus.Infof("[queue] %s", prefix)
	for _, line := range FormatEvent(e) {
		logrus.Infof("[queue] %s", line)
	}
}

// next waits for one event and applies the forbidden patterns to it.
func (q *Queue) next() (*Event, error) {
	e, err := q.waiter.Wait()
	if err != nil {
		return nil, err
	}
	q.logEvent("got event:", e)

	if err := q.checkForbidden(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (q *Queue) checkForbidden(e *Event) error {
	for _, p := range q.forbiddenOrder {
		if !p.Match(e) {
			continue
		}
		logrus.Errorf("[queue] forbidden event occurred (matched %s):", p)
		for _, line := range FormatEvent(e) {
			logrus.Errorf("[queue] %s", line)
		}
		return &ForbiddenEventError{Event: e, Pattern: p}
	}
	return nil
}

func (q *Queue) buffer(e *Event) {
	q.pastEvents = append(q.pastEvents, e)
	q.logf("not handled")
}

// Expect waits until an event matching kind and opts arrives and returns
// it. Events that do not match are kept as past events.
func (q *Queue) Expect(kind Kind, opts ...Option) (*Event, error) {
	return q.expect(NewPattern(kind, opts...))
}

// ExpectPattern is Expect for an already built pattern.
func (q *Queue) ExpectPattern(p *Pattern) (*Event, error) {
	return q.expect(p)
}

func (q *Queue) expect(p *Pattern) (*Event, error) {
	for {
		e, err := q.next()
		if err != nil {
			return nil, errors.WithMessagef(err, "expect %s", p)
		}

		if p.Match(e) {
			q.logf("handled")
			return e, nil
		}
		q.buffer(e)
	}
}

// ExpectMany waits until every pattern has been matched by a distinct event
// and returns the events in the order of patterns, whatever order they
// arrived in. An event fills the first pattern that matches it and is not
// filled yet; events that fill nothing are kept as past events.
func (q *Queue) ExpectMany(patterns ...*Pattern) ([]*Event, error) {
	ret := make([]*Event, len(patterns))
	open := len(patterns)

	for open > 0 {
		e, err := q.next()
		if err != nil {
			return nil, errors.WithMessagef(err, "expect many (%d of %d matched)", len(patterns)-open, len(patterns))
		}

		slot := -1
		for i, p := range patterns {
			if ret[i] == nil && p.Match(e) {
				slot = i
				break
			}
		}

		if slot < 0 {
			q.buffer(e)
			continue
		}

		q.logf("handled")
		ret[slot] = e
		open--
	}

	return ret, nil
}

// ExpectRacy returns the oldest past event matching kind and opts, removing
// it from the past events, without waiting. If there is none it behaves
// like Expect. Forbidden patterns apply to the past event too: a match that
// is forbidden now fails with *ForbiddenEventError and stays buffered.
func (q *Queue) ExpectRacy(kind Kind, opts ...Option) (*Event, error) {
	p := NewPattern(kind, opts...)

	for i, e := range q.pastEvents {
		if !p.Match(e) {
			continue
		}
		if err := q.checkForbidden(e); err != nil {
			return nil, errors.WithMessagef(err, "expect racy %s", p)
		}
		q.logEvent("past event handled", e)
		q.pastEvents = append(q.pastEvents[:i:i], q.pastEvents[i+1:]...)
		return e, nil
	}

	return q.expect(p)
}

// Demand consumes exactly the next event. If it does not match kind and opts
// the result is a *DemandMismatchError; the event is not kept.
func (q *Queue) Demand(kind Kind, opts ...Option) (*Event, error) {
	p := NewPattern(kind, opts...)

	e, err := q.next()
	if err != nil {
		return nil, errors.WithMessagef(err, "demand %s", p)
	}

	if !p.Match(e) {
		q.logf("not handled")
		return nil, &DemandMismatchError{Pattern: p, Event: e}
	}

	q.logf("handled")
	return e, nil
}

// ForbidEvents makes any later event matching one of patterns fail the
// operation that dequeues it. Forbidding a pattern twice has no effect.
func (q *Queue) ForbidEvents(patterns ...*Pattern) {
	for _, p := range patterns {
		if _, ok := q.forbidden[p]; ok {
			continue
		}
		q.forbidden[p] = struct{}{}
		q.forbiddenOrder = append(q.forbiddenOrder, p)
	}
}

// UnforbidEvents lifts patterns previously passed to ForbidEvents. Patterns
// are compared by identity: the same pointers must be passed.
func (q *Queue) UnforbidEvents(patterns ...*Pattern) {
	for _, p := range patterns {
		if _, ok := q.forbidden[p]; !ok {
			continue
		}
		delete(q.forbidden, p)
		for i, f := range q.forbiddenOrder {
			if f == p {
				q.forbiddenOrder = append(q.forbiddenOrder[:i:i], q.forbiddenOrder[i+1:]...)
				break
			}
		}
	}
}

// FlushPastEvents discards every past event.
func (q *Queue) FlushPastEvents() {
	q.pastEvents = nil
}

// PastEvents returns a copy of the past events, oldest first.
func (q *Queue) PastEvents() []*Event {
	out := make([]*Event, len(q.pastEvents))
	copy(out, q.pastEvents)
	return out
}

// Forbidden returns the active forbidden patterns in the order they were
// added.
func (q *Queue) Forbidden() []*Pattern {
	out := make([]*Pattern, len(q.forbiddenOrder))
	copy(out, q.forbiddenOrder)
	return out
}
