package eventqueue

import (
	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type attachState int

const (
	stateIdle attachState = iota
	stateAttached
	stateDetached
)

func (s attachState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAttached:
		return "attached"
	case stateDetached:
		return "detached"
	}
	return "unknown"
}

// AttachToBus installs the queue's filter on conn. From then on every
// inbound method call and signal becomes an event. A queue attaches once:
// a second attach returns ErrAlreadyAttached, an attach after Cleanup
// returns ErrDetached.
//
// A connection has at most one observing queue. The claim is kept on the
// connection (bus.Conn.ClaimObserver), so attaching a second queue to conn
// returns ErrAlreadyAttached until the first one calls Cleanup. Queues on
// different connections never interfere.
func (q *IteratingQueue) AttachToBus(conn bus.Conn) error {
	switch q.state {
	case stateAttached:
		logrus.Errorf("[queue] attach to %s: already attached to %s", conn.UniqueName(), q.conn.UniqueName())
		return ErrAlreadyAttached
	case stateDetached:
		return ErrDetached
	}

	if conn.Loop() != q.loop {
		return errors.Errorf("connection %s runs on a different loop than the queue", conn.UniqueName())
	}

	if err := conn.ClaimObserver(q); err != nil {
		logrus.Errorf("[queue] attach to %s: %v", conn.UniqueName(), err)
		return ErrAlreadyAttached
	}

	q.conn = conn
	q.filterID = conn.AddFilter(q.filter)
	q.state = stateAttached
	logrus.Debugf("[queue] attached to %s", conn.UniqueName())
	return nil
}

// Conn returns the attached connection, or nil.
func (q *IteratingQueue) Conn() bus.Conn {
	if q.state != stateAttached {
		return nil
	}
	return q.conn
}

// Cleanup removes the filter and the stand-in implementations. The queue
// cannot be attached again. Calling Cleanup more than once, or on a queue
// that never attached, is fine.
func (q *IteratingQueue) Cleanup() {
	if q.state == stateAttached {
		q.conn.RemoveFilter(q.filterID)

		q.conn.ReleaseObserver(q)
		logrus.Debugf("[queue] detached from %s", q.conn.UniqueName())
		q.conn = nil
	}
	q.state = stateDetached
	q.impls = nil
}

// AddMethodImpl registers a stand-in implementation. When an inbound method
// call matches opts, handler runs before the call becomes an event and the
// event is marked handled. Only the first matching stand-in runs, in
// registration order.
func (q *IteratingQueue) AddMethodImpl(handler func(call *Event), opts ...Option) {
	q.impls = append(q.impls, methodImpl{
		pattern: NewPattern(KindMethodCall, opts...),
		handler: handler,
	})
}

func (q *IteratingQueue) filter(conn bus.Conn, msg *bus.Message) bus.HandlerResult {
	switch msg.Type {
	case bus.MessageMethodCall:
		e := newMessageEvent(msg)
		for _, impl := range q.impls {
			if impl.pattern.Match(e) {
				impl.handler(e)
				e.markHandled()
				break
			}
		}
		q.Append(e)
		return bus.Handled

	case bus.MessageSignal:
		q.Append(newMessageEvent(msg))
		return bus.NotYetHandled
	}

	return bus.NotYetHandled
}

// Emit broadcasts a signal on the attached connection.
func (q *IteratingQueue) Emit(path types.ObjectPath, iface, name string, args ...any) error {
	if q.state != stateAttached {
		return ErrNotAttached
	}
	return q.conn.Send(bus.NewSignal(path, iface, name, args...))
}

// Return answers the call recorded in call with args.
func (q *IteratingQueue) Return(call *Event, args ...any) error {
	msg, err := q.callMessage(call)
	if err != nil {
		return err
	}
	return q.conn.Send(msg.Reply(args...))
}

// Raise answers the call recorded in call with a named error.
func (q *IteratingQueue) Raise(call *Event, name, message string) error {
	msg, err := q.callMessage(call)
	if err != nil {
		return err
	}
	return q.conn.Send(msg.ErrorReply(name, message))
}

func (q *IteratingQueue) callMessage(call *Event) (*bus.Message, error) {
	if q.state != stateAttached {
		return nil, ErrNotAttached
	}
	msg := call.Message()
	if msg == nil || msg.Type != bus.MessageMethodCall {
		return nil, errors.Errorf("event %s does not carry a method call", call.Kind())
	}
	return msg, nil
}
