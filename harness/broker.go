package harness

import (
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StartBroker runs an embedded MQTT broker on address (e.g. ":11883") that
// accepts every client. It is the private bus a test run talks over.
func StartBroker(id, address string) (*mqttserver.Server, error) {
	server := mqttserver.New(nil)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, errors.Wrap(err, "add auth hook")
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      id,
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, errors.Wrapf(err, "listen on %s", address)
	}

	go func() {
		if err := server.Serve(); err != nil {
			logrus.Warnf("[harness] broker %s stopped: %v", id, err)
		}
	}()

	logrus.Debugf("[harness] broker %s listening on %s", id, address)
	return server, nil
}
