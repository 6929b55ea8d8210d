package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Well-known error names.
const (
	ErrorFailed         = "org.freedesktop.DBus.Error.Failed"
	ErrorUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNoReply        = "org.freedesktop.DBus.Error.NoReply"
	ErrorInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
)

// PeerInterface is answered by every connection unless a filter claims the
// call first.
const PeerInterface = "org.freedesktop.DBus.Peer"

var (
	// ErrCallTimeout is reported to a call's error continuation when no
	// reply arrives in time.
	ErrCallTimeout = &Error{Name: ErrorNoReply, Message: "call timed out"}

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("bus connection closed")

	// ErrObserved is returned by ClaimObserver when the connection already
	// has another observer.
	ErrObserved = errors.New("bus connection already observed")
)

// Error is a named error carried by an error reply.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewError creates a named error that handlers can return to send a
// specific error reply.
func NewError(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// errorFromReply converts an error message into an *Error.
func errorFromReply(msg *Message) *Error {
	return &Error{Name: msg.ErrorName, Message: msg.ErrorMessage}
}

// ErrorName returns the bus error name for err, or ErrorFailed for errors
// that did not come from the bus.
func ErrorName(err error) string {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Name
	}
	return ErrorFailed
}
