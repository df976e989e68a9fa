// Package sink implements the output collaborators fed by the collection
// core: an MQTT publisher and an InfluxDB series writer.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kmederer/pvcollect/internal/config"
	"github.com/kmederer/pvcollect/model"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttQoS            = 1
)

// MQTT publishes sensor bundles to a broker, one topic per bundle.
type MQTT struct {
	client pahomqtt.Client
	base   string
	log    *zap.SugaredLogger
}

// NewMQTT connects to the broker and returns the publisher.
func NewMQTT(cfg *config.MQTT, log *zap.SugaredLogger) (*MQTT, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	base := cfg.BaseTopic
	if base == "" {
		base = "pvcollect"
	}
	log.Infof("mqtt: connected to %s, publishing under %s/", cfg.Broker, base)
	return &MQTT{client: client, base: base, log: log}, nil
}

// Publish sends each sensor bundle as a JSON payload on its topic.
func (m *MQTT) Publish(sensors []model.Sensor) error {
	for _, sensor := range sensors {
		if len(sensor.Values) == 0 {
			continue
		}
		payload, err := json.Marshal(sensor.Values)
		if err != nil {
			return fmt.Errorf("mqtt: marshal %s: %w", sensor.Topic, err)
		}
		topic := m.base + "/" + sensor.Topic
		token := m.client.Publish(topic, mqttQoS, false, payload)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("mqtt: publish %s: %w", topic, token.Error())
		}
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
