// Package harness runs test scripts against a bus: it builds the loop, the
// connection and the attached queue a script needs, and tears them down
// afterwards however the script ended.
package harness

import (
	"testing"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/config"
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Env is everything a script runs against. Its queue observes Conn.
type Env struct {
	Config *config.Config
	Loop   *loop.Loop
	Queue  *eventqueue.IteratingQueue
	Conn   bus.Conn

	// Loopback is the in-process bus, nil for the mqtt transport.
	Loopback *bus.Loopback

	conns []bus.Conn
}

// NewEnv connects to the bus cfg describes and attaches a fresh queue.
// Call Close when done.
func NewEnv(cfg *config.Config) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid config")
	}

	env := &Env{
		Config: cfg,
		Loop:   loop.New(),
	}
	if cfg.Bus.Transport == config.TransportLoopback {
		env.Loopback = bus.NewLoopback()
	}

	conn, err := env.Connect()
	if err != nil {
		env.Loop.Stop()
		return nil, err
	}
	env.Conn = conn

	env.Queue = eventqueue.NewIteratingQueue(env.Loop, cfg.Queue.QueueOptions()...)
	if err := env.Queue.AttachToBus(conn); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Connect opens another connection to the same bus, dispatched on the same
// loop. Useful for playing a second participant, such as the component
// under test, inside the script. Extra connections are closed with the Env.
func (env *Env) Connect(opts ...bus.ConnOption) (bus.Conn, error) {
	var conn bus.Conn
	switch env.Config.Bus.Transport {
	case config.TransportLoopback:
		conn = env.Loopback.Connect(env.Loop, opts...)
	case config.TransportMQTT:
		c, err := bus.DialMQTT(env.Loop, env.Config.Bus.MQTT(), opts...)
		if err != nil {
			return nil, err
		}
		conn = c
	default:
		return nil, errors.Errorf("unknown transport %q", env.Config.Bus.Transport)
	}

	env.conns = append(env.conns, conn)
	return conn, nil
}

// Object returns a proxy on the queue's connection.
func (env *Env) Object(dest types.BusName, path types.ObjectPath, iface string) *bus.Object {
	return bus.NewObject(env.Conn, dest, path, iface)
}

// Close detaches the queue, closes every connection and stops the loop. It
// may be called more than once.
func (env *Env) Close() {
	if env.Queue != nil {
		env.Queue.Cleanup()
	}
	for _, conn := range env.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			logrus.Debugf("[harness] close %s: %v", conn.UniqueName(), err)
		}
	}
	env.conns = nil
	env.Loop.Stop()
}

// Exec runs script in a fresh Env and fails t if the Env cannot be built.
// Cleanup happens even when the script calls t.FailNow.
func Exec(t testing.TB, cfg *config.Config, script func(s *Session)) {
	t.Helper()

	if cfg == nil {
		cfg = config.Default()
	}
	env, err := NewEnv(cfg)
	if err != nil {
		t.Fatalf("servicetest: %v", err)
		return
	}
	defer env.Close()

	script(&Session{T: t, Env: env})
}
