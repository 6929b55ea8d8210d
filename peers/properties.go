// Package peers holds simulated bus participants. They answer calls through
// the stand-in implementations of an event queue, so every call they
// answer is still recorded as a handled method-call event.
package peers

import (
	"fmt"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/eljojo/servicetest/types"
	"github.com/sirupsen/logrus"
)

// PropertiesInterface is the standard property access interface.
const PropertiesInterface = "org.freedesktop.DBus.Properties"

// PropertiesService answers Get, GetAll and Set for one object path from an
// in-memory table.
type PropertiesService struct {
	q     *eventqueue.IteratingQueue
	path  types.ObjectPath
	props map[string]map[string]any
}

// NewPropertiesService registers the property stand-ins for path on q.
func NewPropertiesService(q *eventqueue.IteratingQueue, path types.ObjectPath) *PropertiesService {
	s := &PropertiesService{
		q:     q,
		path:  path,
		props: make(map[string]map[string]any),
	}

	match := []eventqueue.Option{
		eventqueue.Path(path.String()),
		eventqueue.Interface(PropertiesInterface),
	}
	q.AddMethodImpl(s.get, append(match, eventqueue.Method("Get"))...)
	q.AddMethodImpl(s.getAll, append(match, eventqueue.Method("GetAll"))...)
	q.AddMethodImpl(s.set, append(match, eventqueue.Method("Set"))...)
	return s
}

// Path is the object path the properties belong to.
func (s *PropertiesService) Path() types.ObjectPath {
	return s.path
}

// SetProperty changes a value without telling anyone.
func (s *PropertiesService) SetProperty(iface, name string, value any) {
	if s.props[iface] == nil {
		s.props[iface] = make(map[string]any)
	}
	s.props[iface][name] = value
}

// Property returns a value and whether it exists.
func (s *PropertiesService) Property(iface, name string) (any, bool) {
	v, ok := s.props[iface][name]
	return v, ok
}

// Update changes several values and emits PropertiesChanged for them.
func (s *PropertiesService) Update(iface string, changed map[string]any) error {
	for name, value := range changed {
		s.SetProperty(iface, name, value)
	}
	return s.q.Emit(s.path, PropertiesInterface, "PropertiesChanged", iface, changed, []any{})
}

func (s *PropertiesService) get(call *eventqueue.Event) {
	iface, name, ok := stringArgs2(call)
	if !ok {
		s.raise(call, bus.ErrorInvalidArgs, "Get takes an interface and a property name")
		return
	}

	value, found := s.Property(iface, name)
	if !found {
		s.raise(call, bus.ErrorInvalidArgs, fmt.Sprintf("no property %s.%s on %s", iface, name, s.path))
		return
	}
	s.reply(call, value)
}

func (s *PropertiesService) getAll(call *eventqueue.Event) {
	iface, ok := stringArg(call, 0)
	if !ok {
		s.raise(call, bus.ErrorInvalidArgs, "GetAll takes an interface")
		return
	}

	all := make(map[string]any, len(s.props[iface]))
	for name, value := range s.props[iface] {
		all[name] = value
	}
	s.reply(call, all)
}

func (s *PropertiesService) set(call *eventqueue.Event) {
	iface, name, ok := stringArgs2(call)
	if !ok || len(call.Args()) != 3 {
		s.raise(call, bus.ErrorInvalidArgs, "Set takes an interface, a property name and a value")
		return
	}

	value := call.Args()[2]
	s.reply(call)
	if err := s.Update(iface, map[string]any{name: value}); err != nil {
		logrus.Warnf("[peers] %s: emit PropertiesChanged: %v", s.path, err)
	}
}

func (s *PropertiesService) reply(call *eventqueue.Event, values ...any) {
	if err := s.q.Return(call, values...); err != nil {
		logrus.Warnf("[peers] %s: reply to %s: %v", s.path, call.GetString(eventqueue.FieldMethod), err)
	}
}

func (s *PropertiesService) raise(call *eventqueue.Event, name, message string) {
	if err := s.q.Raise(call, name, message); err != nil {
		logrus.Warnf("[peers] %s: error reply to %s: %v", s.path, call.GetString(eventqueue.FieldMethod), err)
	}
}

func stringArg(call *eventqueue.Event, i int) (string, bool) {
	args := call.Args()
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func stringArgs2(call *eventqueue.Event) (string, string, bool) {
	a, ok := stringArg(call, 0)
	if !ok {
		return "", "", false
	}
	b, ok := stringArg(call, 1)
	return a, b, ok
}
