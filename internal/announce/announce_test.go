package announce

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roman-kulish/kermit/internal/storage"
)

func TestScale_Unit(t *testing.T) {
	tests := []struct {
		strength float64
		want     string
	}{
		{strength: -120, want: "S0"},
		{strength: -52.49, want: "S0"},
		{strength: -48, want: "S0"},
		{strength: -47.9, want: "S1"},
		{strength: -42, want: "S1"},
		{strength: -41.9, want: "S2"},
		{strength: -3, want: "S8"},
		{strength: 0, want: "S8"},
		{strength: 0.5, want: "S9"},
		{strength: 24, want: "S12"},
		{strength: 24.01, want: TooMuch},
	}

	for _, tt := range tests {
		if got := HF.Unit(tt.strength); got != tt.want {
			t.Errorf("Unit(%v): expected %s, got %s", tt.strength, tt.want, got)
		}
	}
}

func TestScaleFor(t *testing.T) {
	if s := ScaleFor(146_520_000); s.Name != "VHF" {
		t.Errorf("Expected VHF for 146.52 MHz, got %s", s.Name)
	}
	if s := ScaleFor(14_200_000); s.Name != "HF" {
		t.Errorf("Expected HF for 14.2 MHz, got %s", s.Name)
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return &t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	topic    string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.payloads = append(p.payloads, payload.([]byte))
	return newFakeToken(p.err)
}

var scenario = storage.Record{
	Timestamp: time.Date(2026, 3, 15, 2, 27, 45, 100_000_000, time.UTC),
	Latitude:  37,
	Longitude: -122,
	Strength:  -40,
}

func TestMQTTAnnouncer_Announce(t *testing.T) {
	pub := &fakePublisher{}
	a := NewMQTTAnnouncer(pub, VHF, MQTTConfig{Broker: "tcp://localhost:1883"})

	if err := a.Announce(context.Background(), scenario); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if pub.topic != DefaultTopic {
		t.Errorf("Expected topic %s, got %s", DefaultTopic, pub.topic)
	}

	var got map[string]any
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if got["sUnit"] != "S2" || got["strength"] != -40.0 || got["timestamp"] != "2026-03-15T02:27:45.1Z" {
		t.Errorf("Unexpected payload: %v", got)
	}
}

func TestMQTTAnnouncer_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	a := NewMQTTAnnouncer(pub, VHF, MQTTConfig{Topic: "radio/s"})

	if err := a.Announce(context.Background(), scenario); err == nil {
		t.Fatal("Expected publish error")
	}
}

type countingAnnouncer struct {
	n   int
	err error
}

func (c *countingAnnouncer) Announce(context.Context, storage.Record) error {
	c.n++
	return c.err
}

func TestMulti(t *testing.T) {
	failing := &countingAnnouncer{err: errors.New("speaker unplugged")}
	ok := &countingAnnouncer{}

	m := Multi{failing, NewLogAnnouncer(HF), ok}
	if err := m.Announce(context.Background(), scenario); err == nil {
		t.Fatal("Expected the failing announcer's error")
	}
	if failing.n != 1 || ok.n != 1 {
		t.Errorf("Expected every announcer to be called once, got %d and %d", failing.n, ok.n)
	}
}

func TestMQTTConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  MQTTConfig
		wantErr bool
	}{
		{name: "valid", config: MQTTConfig{Broker: "tcp://localhost:1883", QoS: 1}},
		{name: "missing broker", config: MQTTConfig{}, wantErr: true},
		{name: "bad qos", config: MQTTConfig{Broker: "tcp://localhost:1883", QoS: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Expected error: %v, got %v", tt.wantErr, err)
			}
		})
	}
}
