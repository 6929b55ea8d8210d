package eventqueue

import (
	"strings"

	"github.com/eljojo/servicetest/bus"
)

// Kind names what sort of occurrence an Event records. Kinds are open:
// producers may use any string, the constants below are the ones this
// module itself generates.
type Kind string

const (
	KindMethodCall      Kind = "method-call"
	KindMethodReturn    Kind = "method-return"
	KindError           Kind = "error"
	KindSignal          Kind = "signal"
	KindSocketData      Kind = "socket-data"
	KindSocketConnected Kind = "socket-connected"
)

// Field names used by the events this module generates.
const (
	FieldInterface   = "interface"
	FieldPath        = "path"
	FieldMethod      = "method"
	FieldSignal      = "signal"
	FieldDestination = "destination"
	FieldSender      = "sender"
	FieldArgs        = "args"
	FieldHandled     = "handled"
	FieldMessage     = "message"
	FieldValue       = "value"
	FieldError       = "error"
	FieldData        = "data"
	FieldProtocol    = "protocol"
)

// Fields maps field names to values.
type Fields map[string]any

// Event is one observed occurrence: a call seen on the bus, the reply to
// one of our own calls, a signal, a chunk of socket data...
//
// Which fields are present depends on the kind; lookups of absent fields
// report false instead of failing.
type Event struct {
	kind   Kind
	fields Fields
}

// NewEvent creates an event. The fields map is copied.
func NewEvent(kind Kind, fields Fields) *Event {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Event{kind: kind, fields: copied}
}

// Kind returns the event's kind.
func (e *Event) Kind() Kind {
	return e.kind
}

// Get returns the named field and whether it is present.
func (e *Event) Get(name string) (any, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// Fields returns a copy of all fields.
func (e *Event) Fields() Fields {
	out := make(Fields, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// GetString returns a string field, or "" if it is absent or not a string.
func (e *Event) GetString(name string) string {
	s, _ := e.fields[name].(string)
	return s
}

// Args returns the positional arguments of a call or signal.
func (e *Event) Args() []any {
	args, _ := e.fields[FieldArgs].([]any)
	return args
}

// Value returns the values carried by a method-return event.
func (e *Event) Value() []any {
	v, _ := e.fields[FieldValue].([]any)
	return v
}

// Err returns the error carried by an error event.
func (e *Event) Err() error {
	err, _ := e.fields[FieldError].(error)
	return err
}

// Data returns the payload of a socket-data event.
func (e *Event) Data() []byte {
	b, _ := e.fields[FieldData].([]byte)
	return b
}

// Handled reports whether a stand-in implementation answered the call.
func (e *Event) Handled() bool {
	h, _ := e.fields[FieldHandled].(bool)
	return h
}

// Message returns the bus message a method-call or signal event was built
// from, or nil.
func (e *Event) Message() *bus.Message {
	m, _ := e.fields[FieldMessage].(*bus.Message)
	return m
}

func (e *Event) String() string {
	return strings.Join(FormatEvent(e), "\n")
}

// newMessageEvent builds a method-call or signal event from a bus message.
func newMessageEvent(msg *bus.Message) *Event {
	args := msg.Args
	if args == nil {
		args = []any{}
	}

	fields := Fields{
		FieldMessage:   msg,
		FieldInterface: msg.Interface,
		FieldPath:      msg.Path.String(),
		FieldArgs:      args,
		FieldSender:    msg.Sender.String(),
	}

	if msg.Type == bus.MessageSignal {
		fields[FieldSignal] = msg.Member
		return NewEvent(KindSignal, fields)
	}

	fields[FieldMethod] = msg.Member
	fields[FieldDestination] = msg.Destination.String()
	fields[FieldHandled] = false
	return NewEvent(KindMethodCall, fields)
}

// markHandled is only called by the interception filter, before the event
// reaches the queue.
func (e *Event) markHandled() {
	e.fields[FieldHandled] = true
}
