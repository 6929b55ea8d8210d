package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type exportKey struct {
	path   types.ObjectPath
	iface  string
	member string
}

type filterEntry struct {
	id FilterID
	fn Filter
}

// dispatcher is the transport-independent half of a connection: filters,
// exported methods, pending calls and the rules for handling an inbound
// message once it reaches the loop. Transports embed it and supply transmit.
type dispatcher struct {
	self        Conn
	loop        *loop.Loop
	name        types.BusName
	callTimeout time.Duration
	calls       *CallRegistry
	transmit    func(*Message) error

	mu         sync.Mutex
	filters    []filterEntry
	nextFilter FilterID
	observer   any
	exports    map[exportKey]MethodFunc
	closed     bool
}

func newDispatcher(l *loop.Loop, name types.BusName, transmit func(*Message) error, opts []ConnOption) *dispatcher {
	d := &dispatcher{
		loop:        l,
		name:        name,
		callTimeout: DefaultCallTimeout,
		calls:       NewCallRegistry(l),
		transmit:    transmit,
		exports:     make(map[exportKey]MethodFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *dispatcher) UniqueName() types.BusName {
	return d.name
}

func (d *dispatcher) Loop() *loop.Loop {
	return d.loop
}

func (d *dispatcher) AddFilter(f Filter) FilterID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextFilter++
	d.filters = append(d.filters, filterEntry{id: d.nextFilter, fn: f})
	return d.nextFilter
}

func (d *dispatcher) RemoveFilter(id FilterID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, f := range d.filters {
		if f.id == id {
			d.filters = append(d.filters[:i:i], d.filters[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) ClaimObserver(owner any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.observer != nil && d.observer != owner {
		return ErrObserved
	}
	d.observer = owner
	return nil
}

func (d *dispatcher) ReleaseObserver(owner any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.observer == owner {
		d.observer = nil
	}
}

func (d *dispatcher) Export(path types.ObjectPath, iface, member string, fn MethodFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exports[exportKey{path: path, iface: iface, member: member}] = fn
}

func (d *dispatcher) Send(msg *Message) error {
	if d.isClosed() {
		return ErrClosed
	}
	prepare(msg, d.name)
	if err := d.transmit(msg); err != nil {
		return errors.WithMessagef(err, "send %s %s", msg.Type, msg.Member)
	}
	return nil
}

func (d *dispatcher) Go(call *Message, onReply func([]any), onError func(error)) {
	if d.isClosed() {
		d.loop.Post(func() { onError(ErrClosed) })
		return
	}

	call.Type = MessageMethodCall
	prepare(call, d.name)
	d.calls.Register(call.ID, call.Member, onReply, onError, d.callTimeout)

	if err := d.transmit(call); err != nil {
		d.calls.Fail(call.ID, errors.WithMessagef(err, "call %s.%s", call.Interface, call.Member))
	}
}

// Calls exposes the pending-call registry.
func (d *dispatcher) Calls() *CallRegistry {
	return d.calls
}

func (d *dispatcher) markClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.closed = true
	d.filters = nil
	return true
}

func (d *dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *dispatcher) snapshotFilters() []filterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]filterEntry, len(d.filters))
	copy(out, d.filters)
	return out
}

func (d *dispatcher) lookupExport(msg *Message) MethodFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exports[exportKey{path: msg.Path, iface: msg.Interface, member: msg.Member}]
}

// handle processes one inbound message. It must run on the loop.
func (d *dispatcher) handle(msg *Message) {
	if d.isClosed() {
		return
	}

	// Replies go to whoever is waiting for them, never to filters.
	if msg.IsReply() {
		if !d.calls.Resolve(msg) {
			logrus.Debugf("[bus] %s: dropping %s for unknown call %s", d.name, msg.Type, msg.InReplyTo)
		}
		return
	}

	for _, f := range d.snapshotFilters() {
		if f.fn(d.self, msg) == Handled {
			return
		}
	}

	if msg.Type == MessageMethodCall {
		d.answer(msg)
	}
}

func (d *dispatcher) answer(call *Message) {
	if call.Interface == PeerInterface && call.Member == "Ping" {
		d.reply(call.Reply())
		return
	}

	fn := d.lookupExport(call)
	if fn == nil {
		d.reply(call.ErrorReply(ErrorUnknownMethod,
			fmt.Sprintf("no method %s.%s at %s", call.Interface, call.Member, call.Path)))
		return
	}

	values, err := fn(call)
	if err != nil {
		message := err.Error()
		var busErr *Error
		if errors.As(err, &busErr) {
			message = busErr.Message
		}
		d.reply(call.ErrorReply(ErrorName(err), message))
		return
	}

	d.reply(call.Reply(values...))
}

func (d *dispatcher) reply(msg *Message) {
	if err := d.Send(msg); err != nil {
		logrus.Warnf("[bus] %s: failed to send %s to %s: %v", d.name, msg.Type, msg.Destination, err)
	}
}
