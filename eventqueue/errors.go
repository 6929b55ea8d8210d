package eventqueue

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout means no event arrived within the queue's timeout. It is
	// reported separately from assertion failures: nothing happened, as
	// opposed to the wrong thing happening.
	ErrTimeout = errors.New("timed out waiting for event")

	// ErrAlreadyAttached is returned when attaching a queue that is
	// already observing a connection.
	ErrAlreadyAttached = errors.New("queue already attached to a bus")

	// ErrDetached is returned when attaching a queue after Cleanup;
	// queues are single-use.
	ErrDetached = errors.New("queue was detached and cannot be reattached")

	// ErrNotAttached is returned by bus operations on a queue with no
	// connection.
	ErrNotAttached = errors.New("queue is not attached to a bus")

	// ErrLoopStopped is returned by Wait when the driving loop was stopped.
	ErrLoopStopped = errors.New("event loop stopped")
)

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ForbiddenEventError reports that an event matching a forbidden pattern
// was observed. It is always fatal to the test.
type ForbiddenEventError struct {
	Event   *Event
	Pattern *Pattern
}

func (e *ForbiddenEventError) Error() string {
	return fmt.Sprintf("forbidden event occurred (matched %s):\n%s",
		e.Pattern, strings.Join(FormatEvent(e.Event), "\n"))
}

// DemandMismatchError reports that the very next event was not the one
// demanded.
type DemandMismatchError struct {
	Pattern *Pattern
	Event   *Event
}

func (e *DemandMismatchError) Error() string {
	return fmt.Sprintf("expected %s, got:\n%s",
		e.Pattern, strings.Join(FormatEvent(e.Event), "\n"))
}
