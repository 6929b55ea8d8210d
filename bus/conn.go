package bus

import (
	"context"
	"time"

	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
)

// HandlerResult is returned by filters.
type HandlerResult int

const (
	// NotYetHandled lets the message continue to later filters and to the
	// connection's default handling.
	NotYetHandled HandlerResult = iota
	// Handled stops further processing of the message.
	Handled
)

// Filter observes every inbound method call and signal before the
// connection's own handling. Filters run on the connection's loop.
type Filter func(conn Conn, msg *Message) HandlerResult

// FilterID identifies a registered filter for removal.
type FilterID uint64

// MethodFunc implements an exported method. Returning an *Error sends an
// error reply with that name; any other error becomes ErrorFailed.
type MethodFunc func(call *Message) ([]any, error)

// Conn is one participant's connection to the bus.
//
// Inbound traffic is never processed on transport goroutines: it is posted
// to the connection's loop and handled when that loop iterates. Whoever
// drives the loop (a test's event queue, or loop.Run for a peer) therefore
// owns all filter and continuation execution.
type Conn interface {
	// UniqueName is the connection's own name, assigned at connect time.
	UniqueName() types.BusName
	// RequestName makes the connection receive calls addressed to name.
	RequestName(name types.BusName) error
	// Loop is the reactor inbound traffic is dispatched on.
	Loop() *loop.Loop

	AddFilter(f Filter) FilterID
	RemoveFilter(id FilterID)

	// ClaimObserver records owner as the single observer of this connection.
	// It returns ErrObserved when a different owner holds the claim.
	ClaimObserver(owner any) error
	// ReleaseObserver drops owner's claim. Other owners' claims are kept.
	ReleaseObserver(owner any)

	// Export answers calls to path/iface.member with fn when no filter
	// handled them first.
	Export(path types.ObjectPath, iface, member string, fn MethodFunc)

	// Send transmits a message without expecting a reply.
	Send(msg *Message) error
	// Go sends a method call; exactly one of onReply or onError runs later
	// on the loop.
	Go(call *Message, onReply func([]any), onError func(error))

	Close() error
}

// ConnOption customizes a connection.
type ConnOption func(*dispatcher)

// WithCallTimeout overrides DefaultCallTimeout for calls made with Go.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(d2 *dispatcher) {
		d2.callTimeout = d
	}
}

// Object is a proxy for a remote object, bound to a destination, a path and
// a default interface.
type Object struct {
	conn        Conn
	Destination types.BusName
	Path        types.ObjectPath
	Interface   string
}

// NewObject creates a proxy for dest at path.
func NewObject(conn Conn, dest types.BusName, path types.ObjectPath, iface string) *Object {
	return &Object{
		conn:        conn,
		Destination: dest,
		Path:        path,
		Interface:   iface,
	}
}

// Conn returns the connection calls are made on.
func (o *Object) Conn() Conn {
	return o.conn
}

// WithInterface returns a proxy for the same object using another interface.
func (o *Object) WithInterface(iface string) *Object {
	return NewObject(o.conn, o.Destination, o.Path, iface)
}

// Go calls method asynchronously; see Conn.Go.
func (o *Object) Go(method string, args []any, onReply func([]any), onError func(error)) {
	o.conn.Go(NewMethodCall(o.Destination, o.Path, o.Interface, method, args...), onReply, onError)
}

// Call calls method and blocks until the reply arrives or ctx is done.
//
// The connection's loop must be driven by another goroutine (loop.Run);
// calling this from inside a loop callback deadlocks.
func (o *Object) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	type result struct {
		values []any
		err    error
	}
	ch := make(chan result, 1)

	o.Go(method, args,
		func(values []any) { ch <- result{values: values} },
		func(err error) { ch <- result{err: err} },
	)

	select {
	case r := <-ch:
		return r.values, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit broadcasts a signal from this object's path and interface.
func (o *Object) Emit(name string, args ...any) error {
	return o.conn.Send(NewSignal(o.Path, o.Interface, name, args...))
}
