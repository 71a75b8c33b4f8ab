// Package mqtt implements a metadata.Sink that publishes each package to
// a broker topic via github.com/eclipse/paho.mqtt.golang, as JSON, one
// message per event. The paho client's own connect/retry/publish state
// machine covers reconnection, so this sink stays a thin JSON-marshal-
// then-publish wrapper.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/alxayo/raop-rtsp/internal/metadata"
	"github.com/rs/zerolog"
)

const publishTimeout = 2 * time.Second

// Sink publishes metadata packages to an MQTT broker topic as JSON.
type Sink struct {
	client paho.Client
	topic  string
	log    *zerolog.Logger
}

// wireMessage is the JSON shape published to the broker.
type wireMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Data []byte `json:"data"`
}

// New connects to broker (e.g. "tcp://localhost:1883") and returns a
// sink that publishes to topic.
func New(broker, topic, clientID string, log *zerolog.Logger) (*Sink, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(publishTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}

	return &Sink{client: client, topic: topic, log: log}, nil
}

func (s *Sink) Name() string { return "mqtt:" + s.topic }

// Consume publishes pkg as a QoS-0 JSON message. Publish failures are
// logged and dropped; the sink does not retry an individual package.
func (s *Sink) Consume(_ context.Context, pkg metadata.Package) {
	data := pkg.Data
	if pkg.Carrier != nil {
		data = pkg.Carrier.Body()
	}

	payload, err := json.Marshal(wireMessage{
		Type: string(pkg.Type[:]),
		Code: string(pkg.Code[:]),
		Data: data,
	})
	if err != nil {
		if s.log != nil {
			s.log.Debug().Err(err).Msg("metadata mqtt: marshal failed")
		}
		return
	}

	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		if s.log != nil {
			s.log.Debug().Msg("metadata mqtt: publish timed out")
		}
		return
	}
	if err := token.Error(); err != nil && s.log != nil {
		s.log.Debug().Err(err).Msg("metadata mqtt: publish failed")
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
