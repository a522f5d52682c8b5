package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agsys/rigpanel/internal/notice"
)

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// mqttClient is the part of mqtt.Client the sink uses
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes every notice as JSON on {prefix}/notices/{kind}
type MQTT struct {
	client mqttClient
	config MQTTConfig
}

// NewMQTT connects to the broker, retrying with exponential backoff
func NewMQTT(ctx context.Context, config MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	maxRetries := 5

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("Failed to connect to MQTT broker: %v", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Printf("Connected to MQTT broker at %s", config.Broker)
	return &MQTT{client: client, config: config}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic a notice kind is published on
func (m *MQTT) Topic(kind notice.Kind) string {
	return fmt.Sprintf("%s/notices/%s", m.config.TopicPrefix, kind)
}

func (m *MQTT) Publish(ctx context.Context, n notice.Notice) error {
	payload, err := n.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}

	token := m.client.Publish(m.Topic(n.Kind), m.config.QoS, m.config.Retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	log.Println("MQTT connection closed")
	return nil
}
