package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaStream publishes every dispatched event to a topic keyed by station,
// so downstream consumers see a station's events in order.
type KafkaStream struct {
	w messageWriter
}

func NewKafkaStream(cfg config.KafkaConfig) (*KafkaStream, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, failure.Newf(failure.ConfigInvalid, "notify.NewKafkaStream", "kafka brokers and topic are required")
	}
	return &KafkaStream{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (k *KafkaStream) Publish(ctx context.Context, ev *models.AlertEvent) error {
	b, err := json.Marshal(streamEvent{
		ID: ev.ID, RuleID: ev.RuleID, Kind: ev.Kind, Severity: ev.Severity, StationID: ev.StationID,
		TriggeredAt: ev.TriggeredAt.UTC().Format("2006-01-02T15:04:05Z"), Source: ev.Source,
		Message: ev.Message, Values: ev.Values, DedupKey: ev.DedupKey,
	})
	if err != nil {
		return failure.New(failure.Internal, "notify.kafka", err)
	}
	if err := k.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.StationID), Value: b}); err != nil {
		return failure.New(failure.ChannelFailure, "notify.kafka", err)
	}
	return nil
}

func (k *KafkaStream) Close() error { return k.w.Close() }

type streamEvent struct {
	ID          string             `json:"id"`
	RuleID      string             `json:"rule_id"`
	Kind        models.AlertKind   `json:"kind"`
	Severity    models.Severity    `json:"severity"`
	StationID   string             `json:"station_id"`
	TriggeredAt string             `json:"triggered_at"`
	Source      string             `json:"source"`
	Message     string             `json:"message"`
	Values      map[string]float64 `json:"values,omitempty"`
	DedupKey    string             `json:"dedup_key"`
}
