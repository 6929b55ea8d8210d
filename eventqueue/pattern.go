package eventqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Predicate is an extra condition an event must satisfy to match.
type Predicate func(*Event) bool

// Pattern matches events by kind, field equality and an optional predicate.
//
// Patterns are used by pointer. The pointer is the pattern's identity:
// UnforbidEvents removes exactly the *Pattern values passed to ForbidEvents,
// never a different pattern that happens to look the same.
type Pattern struct {
	kind      Kind
	fields    Fields
	predicate Predicate
}

// Option adds a constraint to a pattern.
type Option func(*Pattern)

// NewPattern builds a pattern for kind. With no options it matches every
// event of that kind. Field values are not checked against the kind.
func NewPattern(kind Kind, opts ...Option) *Pattern {
	p := &Pattern{kind: kind, fields: Fields{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Field requires the event's name field to equal value.
func Field(name string, value any) Option {
	return func(p *Pattern) {
		p.fields[name] = value
	}
}

// With requires every field in fields.
func With(fields Fields) Option {
	return func(p *Pattern) {
		for k, v := range fields {
			p.fields[k] = v
		}
	}
}

// Where adds a predicate. Several predicates must all hold.
func Where(pred Predicate) Option {
	return func(p *Pattern) {
		if p.predicate == nil {
			p.predicate = pred
			return
		}
		prev := p.predicate
		p.predicate = func(e *Event) bool {
			return prev(e) && pred(e)
		}
	}
}

// Shorthands for the fields this module's events carry.

func Interface(iface string) Option { return Field(FieldInterface, iface) }
func Path(path string) Option { return Field(FieldPath, path) }
func Method(name string) Option { return Field(FieldMethod, name) }
func Signal(name string) Option { return Field(FieldSignal, name) }
func Sender(name string) Option { return Field(FieldSender, name) }
func Destination(name string) Option { return Field(FieldDestination, name) }
func Handled(handled bool) Option { return Field(FieldHandled, handled) }
func Args(args ...any) Option { return Field(FieldArgs, append([]any{}, args...)) }
func ErrorValue(err error) Option { return Field(FieldError, err) }
func Protocol(proto any) Option { return Field(FieldProtocol, proto) }
func Data(data []byte) Option { return Field(FieldData, data) }
func Value(values ...any) Option { return Field(FieldValue, append([]any{}, values...)) }

// Kind returns the kind the pattern matches.
func (p *Pattern) Kind() Kind {
	return p.kind
}

// Match reports whether e has the pattern's kind, carries every required
// field with an equal value, and satisfies the predicate.
func (p *Pattern) Match(e *Event) bool {
	if e == nil || e.kind != p.kind {
		return false
	}

	for name, want := range p.fields {
		got, ok := e.fields[name]
		if !ok || !valuesEqual(want, got) {
			return false
		}
	}

	if p.predicate != nil && !p.predicate(e) {
		return false
	}
	return true
}

func (p *Pattern) String() string {
	names := make([]string, 0, len(p.fields))
	for name := range p.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, p.fields[name]))
	}
	if p.predicate != nil {
		parts = append(parts, "predicate")
	}
	return fmt.Sprintf("%s{%s}", p.kind, strings.Join(parts, ", "))
}

// valuesEqual compares a pattern value with an event value. Plain data that
// crossed the wire as JSON (numbers decoded as float64, typed strings
// decoded as string) still equals the literal a test wrote.
func valuesEqual(want, got any) bool {
	if reflect.DeepEqual(want, got) {
		return true
	}
	if !isPlainData(want) || !isPlainData(got) {
		return false
	}

	wantJSON, err := json.Marshal(want)
	if err != nil {
		return false
	}
	gotJSON, err := json.Marshal(got)
	if err != nil {
		return false
	}
	return bytes.Equal(wantJSON, gotJSON)
}

func isPlainData(v any) bool {
	if v == nil {
		return true
	}
	return isPlainValue(reflect.ValueOf(v))
}

// isPlainValue reports whether v and everything it holds is made of
// booleans, numbers, strings, slices, arrays and maps. Byte slices are left
// out since JSON turns them into base64 strings.
func isPlainValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Interface:
		return v.IsNil() || isPlainValue(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return false
		}
		for i := 0; i < v.Len(); i++ {
			if !isPlainValue(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !isPlainValue(iter.Key()) || !isPlainValue(iter.Value()) {
				return false
			}
		}
		return true
	}
	return false
}
