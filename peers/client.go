package peers

import (
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/eljojo/servicetest/types"
	"github.com/sirupsen/logrus"
)

// Client is a simulated client object. The methods it was created with are
// answered with an empty reply; anything else is left for the test to
// answer from the method-call event.
type Client struct {
	q         *eventqueue.IteratingQueue
	Path      types.ObjectPath
	Interface string

	// Properties answers property calls on Path. NewClient seeds it with an
	// "Interfaces" property, under Interface, whose value is []any{Interface}.
	Properties *PropertiesService
}

// NewClient registers a client object at path on q.
func NewClient(q *eventqueue.IteratingQueue, path types.ObjectPath, iface string, methods ...string) *Client {
	c := &Client{
		q:          q,
		Path:       path,
		Interface:  iface,
		Properties: NewPropertiesService(q, path),
	}
	c.Properties.SetProperty(iface, "Interfaces", []any{iface})

	for _, method := range methods {
		q.AddMethodImpl(c.accept,
			eventqueue.Path(path.String()),
			eventqueue.Interface(iface),
			eventqueue.Method(method),
		)
	}
	return c
}

func (c *Client) accept(call *eventqueue.Event) {
	if err := c.q.Return(call); err != nil {
		logrus.Warnf("[peers] client %s: reply to %s: %v", c.Path, call.GetString(eventqueue.FieldMethod), err)
	}
}

// Emit sends a signal from the client's object.
func (c *Client) Emit(name string, args ...any) error {
	return c.q.Emit(c.Path, c.Interface, name, args...)
}
