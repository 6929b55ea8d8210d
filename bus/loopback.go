package bus

import (
	"fmt"
	"sync"

	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Loopback is an in-process bus. Every message is serialized on send and
// decoded again on delivery, so participants see exactly what they would
// see over a real transport, without a broker.
type Loopback struct {
	mu     sync.Mutex
	serial int
	conns  map[types.BusName]*LoopbackConn
	owners map[types.BusName]*LoopbackConn
}

// LoopbackConn is a connection to a Loopback bus.
type LoopbackConn struct {
	*dispatcher
	bus *Loopback
}

// NewLoopback creates an empty in-process bus.
func NewLoopback() *Loopback {
	return &Loopback{
		conns:  make(map[types.BusName]*LoopbackConn),
		owners: make(map[types.BusName]*LoopbackConn),
	}
}

// Connect adds a participant whose inbound traffic is dispatched on l.
func (b *Loopback) Connect(l *loop.Loop, opts ...ConnOption) *LoopbackConn {
	b.mu.Lock()
	b.serial++
	name := types.BusName(fmt.Sprintf(":1.%d", b.serial))
	b.mu.Unlock()

	c := &LoopbackConn{bus: b}
	c.dispatcher = newDispatcher(l, name, c.route, opts)
	c.dispatcher.self = c

	b.mu.Lock()
	b.conns[name] = c
	b.mu.Unlock()

	logrus.Debugf("[bus] loopback connection %s", name)
	return c
}

// RequestName routes calls addressed to name to this connection. A name
// already owned by another connection is an error.
func (c *LoopbackConn) RequestName(name types.BusName) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if owner, ok := c.bus.owners[name]; ok && owner != c {
		return errors.Errorf("name %s already owned by %s", name, owner.name)
	}
	c.bus.owners[name] = c
	return nil
}

// Close disconnects and releases every name the connection owned.
func (c *LoopbackConn) Close() error {
	if !c.markClosed() {
		return nil
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	delete(c.bus.conns, c.name)
	for name, owner := range c.bus.owners {
		if owner == c {
			delete(c.bus.owners, name)
		}
	}
	return nil
}

// route delivers an already-prepared message to its recipients.
func (c *LoopbackConn) route(msg *Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	if msg.Type == MessageSignal {
		for _, peer := range c.bus.peers(c) {
			peer.deliver(raw)
		}
		return nil
	}

	target := c.bus.resolve(msg.Destination)
	if target == nil {
		if msg.Type == MessageMethodCall {
			// Nobody owns the name: the bus itself answers.
			reply := msg.ErrorReply(ErrorServiceUnknown, fmt.Sprintf("name %s has no owner", msg.Destination))
			prepare(reply, "org.freedesktop.DBus")
			replyRaw, err := reply.Marshal()
			if err != nil {
				return err
			}
			c.deliver(replyRaw)
			return nil
		}
		logrus.Debugf("[bus] dropping %s for vanished %s", msg.Type, msg.Destination)
		return nil
	}

	target.deliver(raw)
	return nil
}

func (c *LoopbackConn) deliver(raw []byte) {
	c.loop.Post(func() {
		msg, err := UnmarshalMessage(raw)
		if err != nil {
			logrus.Warnf("[bus] %s: %v", c.name, err)
			return
		}
		c.handle(msg)
	})
}

func (b *Loopback) resolve(name types.BusName) *LoopbackConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[name]; ok {
		return c
	}
	return b.owners[name]
}

func (b *Loopback) peers(except *LoopbackConn) []*LoopbackConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*LoopbackConn, 0, len(b.conns))
	for _, c := range b.conns {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}
