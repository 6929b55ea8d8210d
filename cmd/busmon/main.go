// Command busmon attaches an event queue to the mqtt bus and prints every
// event it observes. On exit it prints a summary table.
//
// Signals are seen from every participant. Method calls are only seen for
// the names busmon owns, which can be requested with -names; busmon never
// answers them.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eljojo/servicetest/bus"
	"github.com/eljojo/servicetest/config"
	"github.com/eljojo/servicetest/eventqueue"
	"github.com/eljojo/servicetest/loop"
	"github.com/eljojo/servicetest/types"
	"github.com/sirupsen/logrus"
)

func main() {
	configPtr := flag.String("config", getEnv("SERVICETEST_CONFIG", ""), "path to a servicetest yaml config")
	brokerPtr := flag.String("broker", "", "broker url, overrides the config (e.g. tcp://127.0.0.1:1883)")
	namesPtr := flag.String("names", "", "comma separated bus names to own, so calls to them are observed")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if *configPtr != "" {
		loaded, err := config.Load(*configPtr)
		if err != nil {
			logrus.Fatalf("[busmon] %v", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		logrus.Fatalf("[busmon] %v", err)
	}
	if *brokerPtr != "" {
		cfg.Bus.BrokerURL = *brokerPtr
	}
	cfg.Bus.Transport = config.TransportMQTT
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("[busmon] %v", err)
	}

	l := loop.New()
	conn, err := bus.DialMQTT(l, cfg.Bus.MQTT())
	if err != nil {
		logrus.Fatalf("[busmon] %v", err)
	}
	defer conn.Close()

	for _, name := range strings.Split(*namesPtr, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if err := conn.RequestName(types.BusName(name)); err != nil {
			logrus.Fatalf("[busmon] %v", err)
		}
	}

	q := eventqueue.NewIteratingQueue(l, cfg.Queue.QueueOptions()...)
	if err := q.AttachToBus(conn); err != nil {
		logrus.Fatalf("[busmon] %v", err)
	}
	defer q.Cleanup()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		l.Stop()
	}()

	logrus.Infof("[busmon] watching %s as %s", cfg.Bus.BrokerURL, conn.UniqueName())

	tally := newTally()
	for {
		e, err := q.Wait()
		if eventqueue.IsTimeout(err) {
			continue
		}
		if err != nil {
			break
		}

		tally.add(e)
		for _, line := range eventqueue.FormatEvent(e) {
			fmt.Println(line)
		}
		fmt.Println()
	}

	tally.print(os.Stdout)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
