package bus

import (
	"sync"
	"time"

	"github.com/eljojo/servicetest/loop"
	"github.com/sirupsen/logrus"
)

// DefaultCallTimeout is how long a pending call waits for its reply.
const DefaultCallTimeout = 25 * time.Second

// CallRegistry tracks outstanding method calls and matches replies to them.
//
// Every registered call ends exactly once: either Resolve delivers its reply
// or error, or the timeout fires, or Fail reports a send error. Whichever
// comes first removes the entry, so later arrivals are dropped.
type CallRegistry struct {
	loop *loop.Loop

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	member  string
	onReply func([]any)
	onError func(error)
	timer   *loop.DelayedCall
}

// NewCallRegistry creates an empty registry whose timeouts run on l.
func NewCallRegistry(l *loop.Loop) *CallRegistry {
	return &CallRegistry{
		loop:    l,
		pending: make(map[string]*pendingCall),
	}
}

// Register starts tracking a call. Continuations run on the registry's loop.
func (r *CallRegistry) Register(id, member string, onReply func([]any), onError func(error), timeout time.Duration) {
	p := &pendingCall{
		member:  member,
		onReply: onReply,
		onError: onError,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[id] = p
	p.timer = r.loop.CallLater(timeout, func() {
		if pc := r.take(id); pc != nil {
			logrus.Debugf("[bus] call %s (%s) timed out after %v", id, pc.member, timeout)
			pc.onError(ErrCallTimeout)
		}
	})
}

// Resolve completes the call the reply answers. It returns false when no
// call is waiting (late reply, already timed out, or not ours).
func (r *CallRegistry) Resolve(reply *Message) bool {
	p := r.take(reply.InReplyTo)
	if p == nil {
		return false
	}

	if p.timer != nil {
		p.timer.Cancel()
	}

	switch reply.Type {
	case MessageError:
		p.onError(errorFromReply(reply))
	default:
		p.onReply(reply.Args)
	}
	return true
}

// Fail completes a pending call with err, typically because sending it
// failed. The continuation is posted to the loop rather than run inline.
func (r *CallRegistry) Fail(id string, err error) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	if p.timer != nil {
		p.timer.Cancel()
	}
	r.loop.Post(func() { p.onError(err) })
	return true
}

// Cancel forgets a pending call without running either continuation.
func (r *CallRegistry) Cancel(id string) {
	if p := r.take(id); p != nil && p.timer != nil {
		p.timer.Cancel()
	}
}

// Pending returns the number of outstanding calls.
func (r *CallRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *CallRegistry) take(id string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p
}
