package bus

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/eljojo/servicetest/types"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// MessageType distinguishes the four kinds of bus traffic.
type MessageType string

const (
	MessageMethodCall   MessageType = "method_call"
	MessageMethodReturn MessageType = "method_return"
	MessageError        MessageType = "error"
	MessageSignal       MessageType = "signal"
)

// Message is the envelope for everything that crosses the bus.
//
// Method calls carry Destination/Path/Interface/Member; returns and errors
// link back to their call through InReplyTo; signals have no Destination
// and are delivered to every other connection.
type Message struct {
	ID          string           `json:"id"`
	Type        MessageType      `json:"type"`
	Sender      types.BusName    `json:"sender,omitempty"`
	Destination types.BusName    `json:"destination,omitempty"`
	Path        types.ObjectPath `json:"path,omitempty"`
	Interface   string           `json:"interface,omitempty"`
	Member      string           `json:"member,omitempty"`
	Args        []any            `json:"args,omitempty"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`

	ErrorName    string `json:"error_name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Nonce     string    `json:"nonce,omitempty"`
}

// ComputeID generates a unique envelope ID from message content.
//
// Two otherwise identical messages, even with equal timestamps, get
// distinct IDs through their nonce.
func ComputeID(msg *Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Type))
	h.Write([]byte(msg.Sender))
	h.Write([]byte(msg.Destination))
	h.Write([]byte(msg.Path))
	h.Write([]byte(msg.Interface))
	h.Write([]byte(msg.Member))
	h.Write([]byte(msg.InReplyTo))
	h.Write([]byte(msg.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(msg.Nonce))

	if len(msg.Args) > 0 {
		argBytes, _ := json.Marshal(msg.Args)
		h.Write(argBytes)
	}

	return base58.Encode(h.Sum(nil))[:16]
}

// NewMethodCall builds a method call. Sender and ID are filled in when the
// message is sent.
func NewMethodCall(dest types.BusName, path types.ObjectPath, iface, member string, args ...any) *Message {
	return &Message{
		Type:        MessageMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Args:        args,
	}
}

// NewSignal builds a broadcast signal.
func NewSignal(path types.ObjectPath, iface, name string, args ...any) *Message {
	return &Message{
		Type:      MessageSignal,
		Path:      path,
		Interface: iface,
		Member:    name,
		Args:      args,
	}
}

// Reply creates a method return for this call, addressed back to its sender.
func (m *Message) Reply(args ...any) *Message {
	return &Message{
		Type:        MessageMethodReturn,
		Destination: m.Sender,
		InReplyTo:   m.ID,
		Member:      m.Member,
		Args:        args,
	}
}

// ErrorReply creates an error reply for this call.
func (m *Message) ErrorReply(name, message string) *Message {
	return &Message{
		Type:         MessageError,
		Destination:  m.Sender,
		InReplyTo:    m.ID,
		Member:       m.Member,
		ErrorName:    name,
		ErrorMessage: message,
	}
}

// IsReply reports whether the message answers an earlier call.
func (m *Message) IsReply() bool {
	return m.Type == MessageMethodReturn || m.Type == MessageError
}

// Marshal serializes the message for transport.
func (m *Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s %s", m.Type, m.Member)
	}
	return b, nil
}

// UnmarshalMessage decodes a message received from the wire.
func UnmarshalMessage(raw []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(err, "decode bus message")
	}

	switch msg.Type {
	case MessageMethodCall, MessageMethodReturn, MessageError, MessageSignal:
	default:
		return nil, errors.Errorf("unknown message type %q", msg.Type)
	}

	if msg.ID == "" {
		return nil, errors.Errorf("%s message without id", msg.Type)
	}

	return msg, nil
}

// prepare stamps an outgoing message with its sender, timestamp, nonce and
// ID.
func prepare(msg *Message, sender types.BusName) {
	msg.Sender = sender
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	if msg.ID == "" {
		msg.ID = ComputeID(msg)
	}
}
