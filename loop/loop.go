// Package loop provides a small cooperative reactor.
//
// A Loop owns a queue of posted callbacks and a set of delayed calls. Nothing
// runs on its own: callbacks and timers only execute inside Iterate (or Run),
// on the goroutine that calls it. Producers on other goroutines (MQTT
// handlers, websocket readers, peers) hand work to the loop with Post, which
// gives a single control flow over all the state those callbacks touch.
package loop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the number of posted callbacks that may be pending
// before Post blocks.
const DefaultBufferSize = 4096

// DefaultSlice is how long Run lets each Iterate call block.
const DefaultSlice = 100 * time.Millisecond

// Loop is a cooperative reactor. The zero value is not usable; use New.
type Loop struct {
	posted chan func()
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	timers   []*DelayedCall
	stopOnce sync.Once
}

// DelayedCall is a callback scheduled with CallLater.
type DelayedCall struct {
	loop      *Loop
	when      time.Time
	fn        func()
	cancelled bool
	fired     bool
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{
		posted: make(chan func(), DefaultBufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine during a later Iterate.
// It is safe to call from any goroutine. Callbacks posted after Stop are
// dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		logrus.Debugf("[loop] dropping callback posted after stop")
		return
	default:
	}

	select {
	case l.posted <- fn:
	case <-l.done:
	}
}

// CallLater schedules fn to run once, on the loop goroutine, no earlier than
// d from now. The returned handle may be cancelled until it fires.
func (l *Loop) CallLater(d time.Duration, fn func()) *DelayedCall {
	dc := &DelayedCall{
		loop: l,
		when: time.Now().Add(d),
		fn:   fn,
	}

	l.mu.Lock()
	l.timers = append(l.timers, dc)
	sort.SliceStable(l.timers, func(i, j int) bool {
		return l.timers[i].when.Before(l.timers[j].when)
	})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return dc
}

// Cancel prevents a pending delayed call from firing. Cancelling a call that
// already fired or was already cancelled is a no-op.
func (dc *DelayedCall) Cancel() {
	dc.loop.mu.Lock()
	defer dc.loop.mu.Unlock()

	if dc.fired || dc.cancelled {
		return
	}
	dc.cancelled = true
	for i, t := range dc.loop.timers {
		if t == dc {
			dc.loop.timers = append(dc.loop.timers[:i], dc.loop.timers[i+1:]...)
			break
		}
	}
}

// Active reports whether the call is still pending.
func (dc *DelayedCall) Active() bool {
	dc.loop.mu.Lock()
	defer dc.loop.mu.Unlock()
	return !dc.fired && !dc.cancelled
}

// Iterate runs one batch of work on the calling goroutine: every due timer
// and every callback already posted. If there is nothing to do it blocks
// for at most max waiting for work to arrive. It returns the number of
// callbacks and timers that ran.
func (l *Loop) Iterate(max time.Duration) int {
	if l.Stopped() {
		return 0
	}

	if n := l.runReady(); n > 0 {
		return n
	}

	wait := max
	if next, ok := l.nextDeadline(); ok {
		if until := time.Until(next); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case fn := <-l.posted:
		fn()
		return 1 + l.runReady()
	case <-l.wake:
	case <-timer.C:
	case <-l.done:
		return 0
	}

	return l.runReady()
}

// Run iterates until ctx is done or the loop is stopped.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}
		l.Iterate(DefaultSlice)
	}
}

// Stop stops the loop. Pending callbacks and timers are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.timers = nil
		l.mu.Unlock()
	})
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Loop) runReady() int {
	n := l.runDueTimers()

	for {
		select {
		case fn := <-l.posted:
			fn()
			n++
			continue
		default:
		}
		break
	}

	return n + l.runDueTimers()
}

func (l *Loop) runDueTimers() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(time.Now()) {
			l.mu.Unlock()
			return n
		}
		dc := l.timers[0]
		l.timers = l.timers[1:]
		dc.fired = true
		l.mu.Unlock()

		dc.fn()
		n++
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}
