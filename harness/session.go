package harness

import (
	"testing"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/pkg/errors"
)

// Session wraps an Env for a test script. Its expectations fail the test
// instead of returning errors, and say which kind of failure it was.
type Session struct {
	T testing.TB
	*Env
}

func (s *Session) fail(err error) {
	s.T.Helper()

	var forbidden *eventqueue.ForbiddenEventError
	var mismatch *eventqueue.DemandMismatchError
	switch {
	case eventqueue.IsTimeout(err):
		s.T.Fatalf("timeout: %v", err)
	case errors.As(err, &forbidden):
		s.T.Fatalf("forbidden event: %v", err)
	case errors.As(err, &mismatch):
		s.T.Fatalf("demand mismatch: %v", err)
	default:
		s.T.Fatalf("%v", err)
	}
}

// Expect is eventqueue.Queue.Expect, failing the test on error.
func (s *Session) Expect(kind eventqueue.Kind, opts ...eventqueue.Option) *eventqueue.Event {
	s.T.Helper()
	e, err := s.Queue.Expect(kind, opts...)
	if err != nil {
		s.fail(err)
	}
	return e
}

// ExpectMany is eventqueue.Queue.ExpectMany, failing the test on error.
func (s *Session) ExpectMany(patterns ...*eventqueue.Pattern) []*eventqueue.Event {
	s.T.Helper()
	events, err := s.Queue.ExpectMany(patterns...)
	if err != nil {
		s.fail(err)
	}
	return events
}

// ExpectRacy is eventqueue.Queue.ExpectRacy, failing the test on error.
func (s *Session) ExpectRacy(kind eventqueue.Kind, opts ...eventqueue.Option) *eventqueue.Event {
	s.T.Helper()
	e, err := s.Queue.ExpectRacy(kind, opts...)
	if err != nil {
		s.fail(err)
	}
	return e
}

// Demand is eventqueue.Queue.Demand, failing the test on error.
func (s *Session) Demand(kind eventqueue.Kind, opts ...eventqueue.Option) *eventqueue.Event {
	s.T.Helper()
	e, err := s.Queue.Demand(kind, opts...)
	if err != nil {
		s.fail(err)
	}
	return e
}

// CallAsync calls method on obj; see eventqueue.CallAsync.
func (s *Session) CallAsync(obj *bus.Object, method string, args ...any) {
	eventqueue.CallAsync(s.Queue, obj, method, args...)
}

// Sync pings obj's peer, failing the test if it does not answer.
func (s *Session) Sync(obj *bus.Object) {
	s.T.Helper()
	if err := eventqueue.Sync(s.Queue, obj); err != nil {
		s.fail(err)
	}
}

// Return answers a recorded call, failing the test if the reply cannot be
// sent.
func (s *Session) Return(call *eventqueue.Event, args ...any) {
	s.T.Helper()
	if err := s.Queue.Return(call, args...); err != nil {
		s.fail(err)
	}
}

// Raise answers a recorded call with an error.
func (s *Session) Raise(call *eventqueue.Event, name, message string) {
	s.T.Helper()
	if err := s.Queue.Raise(call, name, message); err != nil {
		s.fail(err)
	}
}
