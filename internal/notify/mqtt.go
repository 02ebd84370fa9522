package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

const mqttTimeout = 10 * time.Second

// publisher is the part of mqtt.Client the messaging channel needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSender is the messaging channel. A recipient's messaging address is
// the topic; an address starting with "/" is appended to the topic prefix.
type MQTTSender struct {
	client publisher
	prefix string
}

// DialMQTT connects to the broker and returns the messaging channel.
func DialMQTT(cfg config.MQTTConfig) (*MQTTSender, mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, nil, failure.Newf(failure.ConfigInvalid, "notify.DialMQTT", "no broker configured")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, nil, failure.Newf(failure.Timeout, "notify.DialMQTT", "connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, nil, failure.New(failure.Network, "notify.DialMQTT", err)
	}
	return NewMQTTSender(client, cfg.TopicPrefix), client, nil
}

func NewMQTTSender(client publisher, prefix string) *MQTTSender {
	return &MQTTSender{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *MQTTSender) Channel() models.Channel { return models.ChannelMessaging }

func (s *MQTTSender) Topic(addr string) string {
	if strings.HasPrefix(addr, "/") {
		return s.prefix + addr
	}
	return addr
}

type mqttPayload struct {
	ID        string             `json:"id"`
	Kind      models.AlertKind   `json:"kind"`
	Severity  models.Severity    `json:"severity"`
	StationID string             `json:"station_id"`
	Triggered time.Time          `json:"triggered_at"`
	Message   string             `json:"message"`
	Values    map[string]float64 `json:"values,omitempty"`
}

func (s *MQTTSender) Send(ctx context.Context, msg Message) error {
	const op = "notify.mqtt"
	ev := msg.Event
	payload, err := json.Marshal(mqttPayload{
		ID: ev.ID, Kind: ev.Kind, Severity: ev.Severity, StationID: ev.StationID,
		Triggered: ev.TriggeredAt, Message: ev.Message, Values: ev.Values,
	})
	if err != nil {
		return failure.NewTerminal(failure.ChannelFailure, op, err)
	}

	// QoS 1: at least once.
	tok := s.client.Publish(s.Topic(msg.Address), 1, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return failure.FromContext(ctx, op)
	case <-time.After(mqttTimeout):
		return failure.Newf(failure.Timeout, op, "publish to %s timed out", msg.Address)
	}
	if err := tok.Error(); err != nil {
		return failure.New(failure.ChannelFailure, op, fmt.Errorf("publish: %w", err))
	}
	return nil
}
