package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roman-kulish/kermit/internal/storage"
)

const (
	DefaultTopic          = "kermit/announce"
	DefaultPublishTimeout = 2 * time.Second
)

// Publisher is the part of mqtt.Client used for announcements
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientID"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("announce.MQTTConfig: broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("announce.MQTTConfig: qos must be 0, 1 or 2: %d given", c.QoS)
	}
	return nil
}

// payload is the JSON document published per announcement
type payload struct {
	Timestamp time.Time `json:"timestamp"`
	SUnit     string    `json:"sUnit"`
	Strength  float64   `json:"strength"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// MQTTAnnouncer publishes announcements to a broker topic
type MQTTAnnouncer struct {
	publisher Publisher
	scale     Scale
	topic     string
	qos       byte
	retained  bool
	timeout   time.Duration
}

func NewMQTTAnnouncer(publisher Publisher, scale Scale, config MQTTConfig) *MQTTAnnouncer {
	topic := config.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	return &MQTTAnnouncer{
		publisher: publisher,
		scale:     scale,
		topic:     topic,
		qos:       config.QoS,
		retained:  config.Retained,
		timeout:   DefaultPublishTimeout,
	}
}

// ConnectMQTT connects a client to the configured broker
func ConnectMQTT(config MQTTConfig) (mqtt.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = "kermit"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.Broker, token.Error())
	}

	return client, nil
}

func (a *MQTTAnnouncer) Announce(ctx context.Context, r storage.Record) error {
	p, err := json.Marshal(payload{
		Timestamp: r.Timestamp.UTC(),
		SUnit:     a.scale.Unit(r.Strength),
		Strength:  r.Strength,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	})
	if err != nil {
		return fmt.Errorf("marshaling announcement: %w", err)
	}

	token := a.publisher.Publish(a.topic, a.qos, a.retained, p)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.timeout):
		return fmt.Errorf("publishing to %s: timed out after %s", a.topic, a.timeout)
	}

	if err = token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", a.topic, err)
	}
	return nil
}
