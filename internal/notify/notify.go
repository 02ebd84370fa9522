// Package notify delivers alert events to recipients over the configured
// channels, with routing by severity, per-recipient throttling and retries.
package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

// Message is one delivery of an event to one recipient address.
type Message struct {
	Event     *models.AlertEvent
	Recipient string
	Address   string
	Subject   string
	Body      string
}

// Sender delivers messages over one channel. Errors marked terminal with
// failure.NewTerminal are not retried.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) error
}

func newMessage(ev *models.AlertEvent, r models.Recipient, addr string) Message {
	return Message{
		Event:     ev,
		Recipient: r.Name,
		Address:   addr,
		Subject:   Subject(ev),
		Body:      Body(ev),
	}
}

func Subject(ev *models.AlertEvent) string {
	return fmt.Sprintf("[METGO] %s %s %s", strings.ToUpper(string(ev.Severity)), ev.Kind, ev.StationID)
}

// Body renders the event message followed by its trigger values in key order.
func Body(ev *models.AlertEvent) string {
	var b strings.Builder
	b.WriteString(ev.Message)
	b.WriteString("\n")
	keys := make([]string, 0, len(ev.Values))
	for k := range ev.Values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %.2f\n", k, ev.Values[k])
	}
	fmt.Fprintf(&b, "triggered: %s\n", ev.TriggeredAt.UTC().Format("2006-01-02 15:04 MST"))
	return b.String()
}

// retriable reports whether a send error is worth another attempt.
func retriable(err error) bool {
	if failure.Terminal(err) {
		return false
	}
	switch failure.KindOf(err) {
	case failure.Network, failure.RateLimited, failure.Timeout, failure.ChannelFailure:
		return true
	}
	return false
}
