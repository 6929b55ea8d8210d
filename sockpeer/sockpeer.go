// Package sockpeer turns raw websocket traffic into queue events, for tests
// of components that talk to peers over a socket rather than the bus.
//
// Every accepted or dialed connection produces a socket-connected event and
// every frame read from it a socket-data event. Reads happen on a goroutine
// per connection; the events themselves are appended on the loop, like
// everything else the queue sees.
package sockpeer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/eljojo/servicetest/eventqueue"
	"github.com/eljojo/servicetest/loop"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// ErrClosed is returned when sending on a closed protocol.
var ErrClosed = errors.New("socket closed")

// Protocol is one end of a websocket connection. It is the value of the
// protocol field of the events it produces.
type Protocol struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// RemoteAddr is the address of the other end.
func (p *Protocol) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// SendData writes data as one binary frame.
func (p *Protocol) SendData(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (p *Protocol) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	deadline := time.Now().Add(writeTimeout)
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return p.conn.Close()
}

func start(l *loop.Loop, sink eventqueue.Appender, conn *websocket.Conn) *Protocol {
	p := &Protocol{conn: conn}

	l.Post(func() {
		sink.Append(eventqueue.NewEvent(eventqueue.KindSocketConnected, eventqueue.Fields{
			eventqueue.FieldProtocol: p,
		}))
	})

	go p.readLoop(l, sink)
	return p
}

func (p *Protocol) readLoop(l *loop.Loop, sink eventqueue.Appender) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Warnf("[sockpeer] read from %s: %v", p.RemoteAddr(), err)
			}
			return
		}

		l.Post(func() {
			sink.Append(eventqueue.NewEvent(eventqueue.KindSocketData, eventqueue.Fields{
				eventqueue.FieldProtocol: p,
				eventqueue.FieldData:     data,
			}))
		})
	}
}

// Server accepts websocket connections and reports them to a queue.
type Server struct {
	loop     *loop.Loop
	sink     eventqueue.Appender
	upgrader websocket.Upgrader

	mu        sync.Mutex
	protocols []*Protocol
}

// NewServer creates a server whose events are appended to sink on l.
func NewServer(l *loop.Loop, sink eventqueue.Appender) *Server {
	return &Server{
		loop: l,
		sink: sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("[sockpeer] upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	p := start(s.loop, s.sink, conn)
	logrus.Debugf("[sockpeer] accepted %s", p.RemoteAddr())

	s.mu.Lock()
	s.protocols = append(s.protocols, p)
	s.mu.Unlock()
}

// Close closes every accepted connection.
func (s *Server) Close() {
	s.mu.Lock()
	protocols := s.protocols
	s.protocols = nil
	s.mu.Unlock()

	for _, p := range protocols {
		if err := p.Close(); err != nil {
			logrus.Debugf("[sockpeer] close %s: %v", p.RemoteAddr(), err)
		}
	}
}

// Dial connects to a websocket server. The connection is reported to sink
// like an accepted one.
func Dial(ctx context.Context, l *loop.Loop, sink eventqueue.Appender, url string) (*Protocol, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return start(l, sink, conn), nil
}
