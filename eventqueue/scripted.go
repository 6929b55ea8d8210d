package eventqueue

// ScriptedQueue replays a fixed list of events. Wait hands them out in order
// and reports ErrTimeout as soon as the list is exhausted.
type ScriptedQueue struct {
	*Queue
	events []*Event
}

// NewScriptedQueue creates a queue that will deliver events in order.
func NewScriptedQueue(events ...*Event) *ScriptedQueue {
	q := &ScriptedQueue{events: append([]*Event(nil), events...)}
	q.Queue = NewQueue(q)
	return q
}

func (q *ScriptedQueue) Wait() (*Event, error) {
	if len(q.events) == 0 {
		return nil, ErrTimeout
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, nil
}

// Append adds an event to the end of the script.
func (q *ScriptedQueue) Append(e *Event) {
	q.events = append(q.events, e)
}

// Remaining is the number of events not delivered yet.
func (q *ScriptedQueue) Remaining() int {
	return len(q.events)
}
