package bus

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTopicPrefix is the root of every topic the MQTT bus uses.
const DefaultTopicPrefix = "servicetest"

// MQTTConfig describes how to reach the broker backing the bus.
type MQTTConfig struct {
	BrokerURL      string // e.g. tcp://127.0.0.1:1883
	Username       string
	Password       string
	TopicPrefix    string        // defaults to DefaultTopicPrefix
	ClientID       string        // defaults to a random ID
	ConnectTimeout time.Duration // defaults to 10s
}

// MQTTConn carries bus traffic over an MQTT broker.
//
// Unicast traffic for a name goes to <prefix>/unicast/<name>; signals are
// published on <prefix>/signal/<sender> and every connection subscribes to
// <prefix>/signal/#. Payloads are JSON-encoded Messages.
type MQTTConn struct {
	*dispatcher
	client mqtt.Client
	prefix string

	topicsMu sync.Mutex
	topics   []string
}

const (
	mqttQoS          = 1
	mqttPublishWait  = 5 * time.Second
	mqttDisconnectMs = 250
)

// DialMQTT connects to the broker and subscribes to the connection's own
// unicast topic and to all signals. Inbound traffic is dispatched on l.
func DialMQTT(l *loop.Loop, cfg MQTTConfig, opts ...ConnOption) (*MQTTConn, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	id := uuid.NewString()
	if cfg.ClientID == "" {
		cfg.ClientID = "servicetest-" + id[:8]
	}

	c := &MQTTConn{prefix: strings.TrimSuffix(cfg.TopicPrefix, "/")}
	c.dispatcher = newDispatcher(l, types.BusName(":"+id), c.publish, opts)
	c.dispatcher.self = c

	connectedOnce := false
	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(cfg.BrokerURL)
	mqttOpts.SetClientID(cfg.ClientID)
	mqttOpts.SetUsername(cfg.Username)
	mqttOpts.SetPassword(cfg.Password)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetOrderMatters(true)
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetConnectTimeout(cfg.ConnectTimeout)
	mqttOpts.OnConnect = func(client mqtt.Client) {
		if !connectedOnce {
			connectedOnce = true
			return
		}
		logrus.Infof("[mqtt] %s reconnected, resubscribing", c.name)
		c.resubscribe()
	}
	mqttOpts.OnConnectionLost = func(client mqtt.Client, err error) {
		logrus.Warnf("[mqtt] %s connection lost: %v", c.name, err)
	}

	c.client = mqtt.NewClient(mqttOpts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, errors.Errorf("timed out connecting to %s", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.BrokerURL)
	}

	if err := c.subscribe(c.unicastTopic(c.name)); err != nil {
		c.client.Disconnect(mqttDisconnectMs)
		return nil, err
	}
	if err := c.subscribe(c.prefix + "/signal/#"); err != nil {
		c.client.Disconnect(mqttDisconnectMs)
		return nil, err
	}

	logrus.Debugf("[mqtt] connected to %s as %s", cfg.BrokerURL, c.name)
	return c, nil
}

// RequestName subscribes to the name's unicast topic. The broker does not
// enforce exclusive ownership; two connections requesting the same name
// both receive its calls.
func (c *MQTTConn) RequestName(name types.BusName) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.subscribe(c.unicastTopic(name))
}

// Close disconnects from the broker.
func (c *MQTTConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.client.Disconnect(mqttDisconnectMs)
	logrus.Debugf("[mqtt] %s disconnected", c.name)
	return nil
}

func (c *MQTTConn) unicastTopic(name types.BusName) string {
	return c.prefix + "/unicast/" + string(name)
}

func (c *MQTTConn) signalTopic(sender types.BusName) string {
	return c.prefix + "/signal/" + string(sender)
}

func (c *MQTTConn) subscribe(topic string) error {
	token := c.client.Subscribe(topic, mqttQoS, c.onMessage)
	if !token.WaitTimeout(mqttPublishWait) {
		return errors.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "subscribe to %s", topic)
	}

	c.topicsMu.Lock()
	c.topics = append(c.topics, topic)
	c.topicsMu.Unlock()
	return nil
}

func (c *MQTTConn) resubscribe() {
	c.topicsMu.Lock()
	topics := append([]string(nil), c.topics...)
	c.topicsMu.Unlock()

	for _, topic := range topics {
		if token := c.client.Subscribe(topic, mqttQoS, c.onMessage); token.Wait() && token.Error() != nil {
			logrus.Errorf("[mqtt] %s: resubscribe %s: %v", c.name, topic, token.Error())
		}
	}
}

func (c *MQTTConn) publish(msg *Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	topic := c.unicastTopic(msg.Destination)
	if msg.Type == MessageSignal {
		topic = c.signalTopic(msg.Sender)
	} else if msg.Destination == "" {
		return errors.Errorf("%s %s has no destination", msg.Type, msg.Member)
	}

	token := c.client.Publish(topic, mqttQoS, false, raw)
	if !token.WaitTimeout(mqttPublishWait) {
		return errors.Errorf("timed out publishing to %s", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}

// onMessage runs on paho's router goroutine; it only hands the payload to
// the loop.
func (c *MQTTConn) onMessage(client mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	topic := m.Topic()

	c.loop.Post(func() {
		msg, err := UnmarshalMessage(payload)
		if err != nil {
			logrus.Warnf("[mqtt] %s: bad payload on %s: %v", c.name, topic, err)
			return
		}
		if msg.Type == MessageSignal && msg.Sender == c.name {
			return
		}
		c.handle(msg)
	})
}
