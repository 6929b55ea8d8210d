// Package config holds the settings shared by the harness and the command
// line tools: which bus to test against, and how long queues wait.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportLoopback = "loopback"
	TransportMQTT     = "mqtt"
)

// Environment variables read by ApplyEnv.
const (
	EnvTransport = "SERVICETEST_TRANSPORT"
	EnvBrokerURL = "SERVICETEST_BROKER_URL"
	EnvTimeout   = "SERVICETEST_TIMEOUT"
	EnvVerbose   = "SERVICETEST_VERBOSE"
)

type Config struct {
	Bus    BusConfig    `yaml:"bus"`
	Queue  QueueConfig  `yaml:"queue"`
	Broker BrokerConfig `yaml:"broker"`
}

type BusConfig struct {
	Transport      string `yaml:"transport"`
	BrokerURL      string `yaml:"broker_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TopicPrefix    string `yaml:"topic_prefix"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
}

type QueueConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Slice   time.Duration `yaml:"slice"`
	Verbose bool          `yaml:"verbose"`
}

type BrokerConfig struct {
	Address string `yaml:"address"`
}

// Default returns a configuration for an in-process loopback bus.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Transport:      TransportLoopback,
			BrokerURL:      "tcp://127.0.0.1:1883",
			TopicPrefix:    bus.DefaultTopicPrefix,
			ClientIDPrefix: "servicetest",
		},
		Queue: QueueConfig{
			Timeout: eventqueue.DefaultTimeout,
			Slice:   eventqueue.DefaultSlice,
		},
		Broker: BrokerConfig{
			Address: ":1883",
		},
	}
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}

// ApplyEnv overrides settings from SERVICETEST_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Bus.Transport = getEnv(EnvTransport, c.Bus.Transport)
	c.Bus.BrokerURL = getEnv(EnvBrokerURL, c.Bus.BrokerURL)

	if v, ok := os.LookupEnv(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvTimeout)
		}
		c.Queue.Timeout = d
	}

	if v, ok := os.LookupEnv(EnvVerbose); ok {
		verbose, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvVerbose)
		}
		c.Queue.Verbose = verbose
	}
	return nil
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	switch c.Bus.Transport {
	case TransportLoopback:
	case TransportMQTT:
		if c.Bus.BrokerURL == "" {
			return errors.New("bus.broker_url is required for the mqtt transport")
		}
	default:
		return errors.Errorf("bus.transport must be %q or %q, got %q", TransportLoopback, TransportMQTT, c.Bus.Transport)
	}

	if c.Queue.Timeout <= 0 {
		return errors.New("queue.timeout must be positive")
	}
	if c.Queue.Slice <= 0 {
		return errors.New("queue.slice must be positive")
	}
	if c.Queue.Slice > c.Queue.Timeout {
		return errors.Errorf("queue.slice (%v) must not exceed queue.timeout (%v)", c.Queue.Slice, c.Queue.Timeout)
	}
	return nil
}

// MQTT returns the MQTT dial settings. Every call picks a fresh client ID.
func (c *BusConfig) MQTT() bus.MQTTConfig {
	return bus.MQTTConfig{
		BrokerURL:   c.BrokerURL,
		Username:    c.Username,
		Password:    c.Password,
		TopicPrefix: c.TopicPrefix,
		ClientID:    c.ClientIDPrefix + "-" + uuid.NewString(),
	}
}

// QueueOptions returns the options for a queue built from this config.
func (c *QueueConfig) QueueOptions() []eventqueue.QueueOption {
	return []eventqueue.QueueOption{
		eventqueue.WithTimeout(c.Timeout),
		eventqueue.WithSlice(c.Slice),
		eventqueue.WithVerbose(c.Verbose),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
