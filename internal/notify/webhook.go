package notify

import (
	"context"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/httputil"
	"github.com/metgo/quillota/internal/models"
)

// WebhookSender posts the event as JSON to the recipient's URL.
type WebhookSender struct {
	http *httputil.Client
}

func NewWebhookSender(cfg config.WebhookConfig) *WebhookSender {
	return &WebhookSender{http: httputil.New("webhook", time.Duration(cfg.TimeoutS)*time.Second, 0)}
}

func (s *WebhookSender) Channel() models.Channel { return models.ChannelWebhook }

type webhookPayload struct {
	ID          string             `json:"id"`
	RuleID      string             `json:"rule_id"`
	Kind        models.AlertKind   `json:"kind"`
	Severity    models.Severity    `json:"severity"`
	StationID   string             `json:"station_id"`
	TriggeredAt time.Time          `json:"triggered_at"`
	Source      string             `json:"source"`
	Subject     string             `json:"subject"`
	Message     string             `json:"message"`
	Values      map[string]float64 `json:"values,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	ev := msg.Event
	_, err := s.http.PostJSON(ctx, msg.Address, webhookPayload{
		ID: ev.ID, RuleID: ev.RuleID, Kind: ev.Kind, Severity: ev.Severity, StationID: ev.StationID,
		TriggeredAt: ev.TriggeredAt, Source: ev.Source, Subject: msg.Subject, Message: ev.Message, Values: ev.Values,
	})
	return classifyHTTP("notify.webhook", err)
}
