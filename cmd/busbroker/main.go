// Command busbroker runs a standalone MQTT broker for the mqtt bus
// transport, for test runs that span several processes.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/eljojo/servicetest/config"
	"github.com/eljojo/servicetest/harness"
	"github.com/sirupsen/logrus"
)

func main() {
	configPtr := flag.String("config", getEnv("SERVICETEST_CONFIG", ""), "path to a servicetest yaml config")
	addrPtr := flag.String("addr", getEnv("SERVICETEST_BROKER_ADDR", ""), "listen address, overrides the config (e.g. :1883)")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if *configPtr != "" {
		loaded, err := config.Load(*configPtr)
		if err != nil {
			logrus.Fatalf("[busbroker] %v", err)
		}
		cfg = loaded
	}
	if *addrPtr != "" {
		cfg.Broker.Address = *addrPtr
	}

	broker, err := harness.StartBroker("busbroker", cfg.Broker.Address)
	if err != nil {
		logrus.Fatalf("[busbroker] %v", err)
	}
	logrus.Infof("[busbroker] listening on %s", cfg.Broker.Address)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logrus.Info("[busbroker] shutting down")
	if err := broker.Close(); err != nil {
		logrus.Warnf("[busbroker] close: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
