package eventqueue

import (
	"testing"
	"time"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/loop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serviceName  = "org.example.Service"
	serviceIface = "org.example.Service"
	servicePath  = "/org/example/Service"

	clientName  = "org.example.Client"
	clientIface = "org.example.Client"
	clientPath  = "/org/example/Client"
)

type fixture struct {
	loop    *loop.Loop
	q       *IteratingQueue
	conn    *bus.LoopbackConn
	service *bus.LoopbackConn
}

// newFixture wires a queue to a loopback bus shared with one service. Both
// connections run on the queue's loop, so the service only makes progress
// while the test waits.
func newFixture(t *testing.T, opts ...QueueOption) *fixture {
	t.Helper()

	l := loop.New()
	b := bus.NewLoopback()

	f := &fixture{
		loop:    l,
		q:       NewIteratingQueue(l, append([]QueueOption{WithTimeout(time.Second), WithSlice(10 * time.Millisecond)}, opts...)...),
		conn:    b.Connect(l),
		service: b.Connect(l),
	}
	require.NoError(t, f.conn.RequestName(clientName))
	require.NoError(t, f.service.RequestName(serviceName))

	f.service.Export(servicePath, serviceIface, "Echo", func(call *bus.Message) ([]any, error) {
		return call.Args, nil
	})

	require.NoError(t, f.q.AttachToBus(f.conn))
	t.Cleanup(func() {
		f.q.Cleanup()
		l.Stop()
	})
	return f
}

func (f *fixture) serviceObject() *bus.Object {
	return bus.NewObject(f.conn, serviceName, servicePath, serviceIface)
}

// callClient makes the service call the test's client object.
func (f *fixture) callClient(method string, args []any, onReply func([]any), onError func(error)) {
	f.service.Go(bus.NewMethodCall(clientName, clientPath, clientIface, method, args...), onReply, onError)
}

func TestIteratingQueue_CallAsyncReturn(t *testing.T) {
	f := newFixture(t)

	CallAsync(f.q, f.serviceObject(), "Echo", "hello", 42)

	e, err := f.q.Expect(KindMethodReturn, Method("Echo"))
	require.NoError(t, err)
	assert.Equal(t, []any{"hello", float64(42)}, e.Value())
}

func TestIteratingQueue_CallAsyncErrors(t *testing.T) {
	f := newFixture(t)

	CallAsync(f.q, f.serviceObject(), "Missing")
	CallAsync(f.q, bus.NewObject(f.conn, "org.example.Nobody", "/", "org.example.Nobody"), "Anything")

	got, err := f.q.ExpectMany(
		NewPattern(KindError, Method("Anything")),
		NewPattern(KindError, Method("Missing")),
	)
	require.NoError(t, err)
	assert.Equal(t, bus.ErrorServiceUnknown, bus.ErrorName(got[0].Err()))
	assert.Equal(t, bus.ErrorUnknownMethod, bus.ErrorName(got[1].Err()))
}

func TestIteratingQueue_CallAsyncTimeout(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	b := bus.NewLoopback()

	conn := b.Connect(l, bus.WithCallTimeout(50*time.Millisecond))
	silent := b.Connect(l)
	require.NoError(t, silent.RequestName(serviceName))
	silent.AddFilter(func(bus.Conn, *bus.Message) bus.HandlerResult { return bus.Handled })

	q := NewIteratingQueue(l, WithTimeout(time.Second), WithSlice(10*time.Millisecond))
	CallAsync(q, bus.NewObject(conn, serviceName, servicePath, serviceIface), "Echo")

	e, err := q.Expect(KindError, Method("Echo"))
	require.NoError(t, err)
	assert.Equal(t, bus.ErrCallTimeout, e.Err())
}

func TestIteratingQueue_ObservesCallsAndStandIns(t *testing.T) {
	f := newFixture(t)

	f.q.AddMethodImpl(func(call *Event) {
		assert.NoError(t, f.q.Return(call, "pong"))
	}, Interface(clientIface), Method("Handle"))

	var reply []any
	f.callClient("Handle", []any{1}, func(values []any) {
		reply = values
		_ = bus.NewObject(f.service, "", servicePath, serviceIface).Emit("Handled", values...)
	}, func(err error) {
		t.Errorf("Handle failed: %v", err)
	})
	f.callClient("Unhandled", nil, func([]any) {}, func(error) {})

	call, err := f.q.Expect(KindMethodCall, Method("Handle"))
	require.NoError(t, err)
	assert.True(t, call.Handled())
	assert.Equal(t, []any{float64(1)}, call.Args())
	assert.Equal(t, clientPath, call.GetString(FieldPath))
	assert.Equal(t, clientName, call.GetString(FieldDestination))
	assert.Equal(t, f.service.UniqueName().String(), call.GetString(FieldSender))
	require.NotNil(t, call.Message())

	unhandled, err := f.q.Expect(KindMethodCall, Method("Unhandled"))
	require.NoError(t, err)
	assert.False(t, unhandled.Handled())

	_, err = f.q.ExpectRacy(KindSignal, Signal("Handled"), Args("pong"))
	require.NoError(t, err)
	assert.Equal(t, []any{"pong"}, reply)
}

func TestIteratingQueue_FirstMatchingStandInWins(t *testing.T) {
	f := newFixture(t)

	var calls []string
	f.q.AddMethodImpl(func(call *Event) {
		calls = append(calls, "first")
		assert.NoError(t, f.q.Return(call))
	}, Method("Handle"))
	f.q.AddMethodImpl(func(call *Event) {
		calls = append(calls, "second")
		assert.NoError(t, f.q.Return(call))
	}, Method("Handle"))

	f.callClient("Handle", nil, func([]any) {}, func(err error) { t.Errorf("Handle failed: %v", err) })

	_, err := f.q.Expect(KindMethodCall, Method("Handle"), Handled(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, calls)
}

func TestIteratingQueue_StandInTrafficSeenBeforeWaitReturns(t *testing.T) {
	f := newFixture(t)

	f.q.AddMethodImpl(func(call *Event) {
		CallAsync(f.q, f.serviceObject(), "Echo", "nested")
		assert.NoError(t, f.q.Return(call))
	}, Method("Handle"))

	f.callClient("Handle", nil, func([]any) {}, func(error) {})

	_, err := f.q.Expect(KindMethodCall, Method("Handle"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.q.Pending(), "nested call reply arrived inside the same wait")

	e, err := f.q.Demand(KindMethodReturn, Method("Echo"))
	require.NoError(t, err)
	assert.Equal(t, []any{"nested"}, e.Value())
}

func TestIteratingQueue_RaiseAndSync(t *testing.T) {
	f := newFixture(t)

	f.q.AddMethodImpl(func(call *Event) {
		assert.NoError(t, f.q.Raise(call, bus.ErrorInvalidArgs, "no such thing"))
	}, Method("Get"))

	var got error
	f.callClient("Get", []any{"x"}, func([]any) { t.Errorf("Get should fail") }, func(err error) { got = err })

	_, err := f.q.Expect(KindMethodCall, Method("Get"))
	require.NoError(t, err)
	require.NoError(t, Sync(f.q, f.serviceObject()))

	var busErr *bus.Error
	require.True(t, errors.As(got, &busErr))
	assert.Equal(t, bus.ErrorInvalidArgs, busErr.Name)
	assert.Equal(t, "no such thing", busErr.Message)
}

func TestIteratingQueue_Signals(t *testing.T) {
	f := newFixture(t)

	obj := bus.NewObject(f.service, "", servicePath, serviceIface)
	require.NoError(t, obj.Emit("Changed", "a", 1))
	require.NoError(t, f.q.Emit(clientPath, clientIface, "Ignored"))

	e, err := f.q.Expect(KindSignal, Signal("Changed"), Args("a", 1))
	require.NoError(t, err)
	assert.Equal(t, serviceIface, e.GetString(FieldInterface))
	assert.Equal(t, servicePath, e.GetString(FieldPath))
	assert.Equal(t, f.service.UniqueName().String(), e.GetString(FieldSender))
}

func TestIteratingQueue_Timeout(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	q := NewIteratingQueue(l, WithTimeout(200*time.Millisecond), WithSlice(20*time.Millisecond))

	start := time.Now()
	_, err := q.Expect("foo")
	elapsed := time.Since(start)

	assert.True(t, IsTimeout(err), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestIteratingQueue_EventsFromOtherGoroutines(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	q := NewIteratingQueue(l, WithTimeout(time.Second))

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Post(func() { q.HandleEvent(NewEvent("foo", nil)) })
	}()

	e, err := q.Expect("foo")
	require.NoError(t, err)
	assert.Equal(t, Kind("foo"), e.Kind())
}

func TestIteratingQueue_StoppedLoop(t *testing.T) {
	l := loop.New()
	q := NewIteratingQueue(l)
	l.Stop()

	_, err := q.Expect("foo")
	assert.True(t, errors.Is(err, ErrLoopStopped))
}

func TestIteratingQueue_AttachLifecycle(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	b := bus.NewLoopback()
	conn := b.Connect(l)

	q := NewIteratingQueue(l, WithTimeout(100*time.Millisecond))
	assert.Equal(t, ErrNotAttached, q.Emit(clientPath, clientIface, "Changed"))

	require.NoError(t, q.AttachToBus(conn))
	assert.Equal(t, conn, q.Conn())
	assert.Equal(t, ErrAlreadyAttached, q.AttachToBus(conn))

	other := NewIteratingQueue(l)
	assert.Equal(t, ErrAlreadyAttached, other.AttachToBus(conn), "one observer per connection")

	q.Cleanup()
	q.Cleanup()
	assert.Nil(t, q.Conn())
	assert.Equal(t, ErrDetached, q.AttachToBus(conn))

	require.NoError(t, other.AttachToBus(conn), "connection is free again after cleanup")
	other.Cleanup()
}

func TestIteratingQueue_ObserverClaimLivesOnTheConnection(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	b := bus.NewLoopback()
	first, second := b.Connect(l), b.Connect(l)

	q1, q2 := NewIteratingQueue(l), NewIteratingQueue(l)
	require.NoError(t, q1.AttachToBus(first))
	require.NoError(t, q2.AttachToBus(second), "other connections are unaffected")

	assert.Equal(t, bus.ErrObserved, first.ClaimObserver("someone else"))
	q1.Cleanup()
	require.NoError(t, first.ClaimObserver("someone else"))
	first.ReleaseObserver("someone else")
	q2.Cleanup()
}

func TestIteratingQueue_NoEventsAfterCleanup(t *testing.T) {
	f := newFixture(t)
	f.q.Cleanup()

	var got error
	f.callClient("Handle", nil, func([]any) {}, func(err error) { got = err })

	// The client connection answers on its own once nobody observes it.
	for i := 0; i < 10 && got == nil; i++ {
		f.loop.Iterate(10 * time.Millisecond)
	}
	assert.Equal(t, bus.ErrorUnknownMethod, bus.ErrorName(got))
	assert.Equal(t, 0, f.q.Pending())
}

func TestIteratingQueue_AttachRequiresSameLoop(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	conn := bus.NewLoopback().Connect(loop.New())

	q := NewIteratingQueue(l)
	assert.Error(t, q.AttachToBus(conn))
	q.Cleanup()
}
