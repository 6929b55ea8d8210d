package eventqueue

import (
	"github.com/eljojo/servicetest/bus"
	"github.com/pkg/errors"
)

// CallAsync calls method on obj without blocking. Its outcome arrives in q
// as one event: method-return with the returned values, or error with the
// error the transport or the remote side reported.
func CallAsync(q Appender, obj *bus.Object, method string, args ...any) {
	obj.Go(method, args,
		func(values []any) {
			if values == nil {
				values = []any{}
			}
			q.Append(NewEvent(KindMethodReturn, Fields{
				FieldMethod: method,
				FieldValue:  values,
			}))
		},
		func(err error) {
			q.Append(NewEvent(KindError, Fields{
				FieldMethod: method,
				FieldError:  err,
			}))
		},
	)
}

// Sync pings obj's peer and waits for the answer. Everything the peer sent
// before answering has been appended to q by the time Sync returns.
func Sync(q *IteratingQueue, obj *bus.Object) error {
	CallAsync(q, obj.WithInterface(bus.PeerInterface), "Ping")
	if _, err := q.Expect(KindMethodReturn, Method("Ping")); err != nil {
		return errors.WithMessagef(err, "sync with %s", obj.Destination)
	}
	return nil
}
