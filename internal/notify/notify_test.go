package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

var quillota = models.Station{
	StationID: "quillota_centro", Name: "Quillota Centro", Latitude: -32.8833, Longitude: -71.25,
	Elevation: 150, PrimaryCrop: "palto", MarineInfluence: models.MarineMedium, Active: true,
}

var dawn = time.Date(2024, 7, 15, 6, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, time.UTC, nil)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.UpsertStation(context.Background(), quillota))
	return s
}

type fakeSender struct {
	channel models.Channel
	mu      sync.Mutex
	sent    []Message
	// errs are returned by successive calls before sends start succeeding.
	errs []error
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func saveEvent(t *testing.T, s *store.Store, id string, sev models.Severity, at time.Time) *models.AlertEvent {
	t.Helper()
	ev := &models.AlertEvent{
		ID: id, RuleID: "frost/quillota_centro", Kind: models.AlertFrost, Severity: sev,
		StationID: quillota.StationID, TriggeredAt: at, Values: map[string]float64{"value": -1.2, "threshold": 2},
		Message:  "frost critical at quillota_centro: temperature_min -1.2 ≤ 2.0",
		DedupKey: models.DedupKey(models.AlertFrost, quillota.StationID, sev, at),
		Audience: []string{"agricultural"}, Source: "observation", CreatedAt: at,
	}
	require.NoError(t, s.SaveAlertEvent(context.Background(), *ev))
	return ev
}

func newTestDispatcher(s *store.Store, senders ...Sender) (*Dispatcher, *time.Time) {
	cfg := config.Default()
	opts := OptionsFromConfig(cfg.Notify)
	opts.RetryBase = time.Millisecond
	d := NewDispatcher(s, cfg.ModelRecipients(), opts, nil, senders...)
	now := dawn
	d.now = func() time.Time { return now }
	return d, &now
}

func statuses(ds []models.ChannelDispatch, ch models.Channel) map[models.DispatchStatus]int {
	out := make(map[models.DispatchStatus]int)
	for _, d := range ds {
		if d.Channel == ch {
			out[d.Status]++
		}
	}
	return out
}

func TestDispatch_ThrottlesRepeatedCritical(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	msg := &fakeSender{channel: models.ChannelMessaging}
	mail := &fakeSender{channel: models.ChannelEmail}
	sms := &fakeSender{channel: models.ChannelSMS}
	d, now := newTestDispatcher(s, msg, mail, sms)

	var all []models.ChannelDispatch
	for i, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		*now = dawn.Add(time.Duration(i*30) * time.Second)
		ev := saveEvent(t, s, id, models.SeverityCritical, *now)
		require.NoError(t, d.Dispatch(ctx, ev))
		all = append(all, ev.Dispatches...)
	}

	assert.Equal(t, 1, msg.count())
	assert.Equal(t, 1, mail.count())
	assert.Equal(t, 1, sms.count())
	got := statuses(all, models.ChannelMessaging)
	assert.Equal(t, 1, got[models.DispatchSent])
	assert.Equal(t, 4, got[models.DispatchThrottled])

	stored, err := s.GetAlertEvents(ctx, store.AlertFilter{StationID: quillota.StationID})
	require.NoError(t, err)
	var recorded []models.ChannelDispatch
	for _, ev := range stored {
		recorded = append(recorded, ev.Dispatches...)
	}
	assert.Equal(t, 4, statuses(recorded, models.ChannelMessaging)[models.DispatchThrottled])
}

func TestDispatch_ThrottleWindowExpires(t *testing.T) {
	s := setupTestStore(t)
	msg := &fakeSender{channel: models.ChannelMessaging}
	d, now := newTestDispatcher(s, msg)

	require.NoError(t, d.Dispatch(context.Background(), saveEvent(t, s, "a", models.SeverityHigh, dawn)))
	*now = dawn.Add(5 * time.Minute)
	require.NoError(t, d.Dispatch(context.Background(), saveEvent(t, s, "b", models.SeverityHigh, *now)))
	assert.Equal(t, 2, msg.count())
}

func TestDispatch_Routing(t *testing.T) {
	tests := []struct {
		sev  models.Severity
		want []models.Channel
	}{
		{models.SeverityCritical, []models.Channel{models.ChannelMessaging, models.ChannelEmail, models.ChannelSMS}},
		{models.SeverityHigh, []models.Channel{models.ChannelMessaging, models.ChannelEmail}},
		{models.SeverityMedium, []models.Channel{models.ChannelEmail}},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			s := setupTestStore(t)
			senders := map[models.Channel]*fakeSender{}
			var list []Sender
			for _, ch := range models.Channels {
				f := &fakeSender{channel: ch}
				senders[ch] = f
				list = append(list, f)
			}
			d, _ := newTestDispatcher(s, list...)
			require.NoError(t, d.Dispatch(context.Background(), saveEvent(t, s, "x", tt.sev, dawn)))
			for _, ch := range models.Channels {
				want := 0
				for _, w := range tt.want {
					if w == ch {
						want = 1
					}
				}
				assert.Equal(t, want, senders[ch].count(), "%s", ch)
			}
		})
	}
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	s := setupTestStore(t)
	transient := failure.New(failure.ChannelFailure, "test", errors.New("503"))
	mail := &fakeSender{channel: models.ChannelEmail, errs: []error{transient, transient}}
	d, _ := newTestDispatcher(s, mail)

	ev := saveEvent(t, s, "m", models.SeverityMedium, dawn)
	require.NoError(t, d.Dispatch(context.Background(), ev))
	require.Len(t, ev.Dispatches, 1)
	assert.Equal(t, models.DispatchSent, ev.Dispatches[0].Status)
	assert.Equal(t, 3, ev.Dispatches[0].Attempts)
}

func TestDispatch_TerminalFailureIsNotRetried(t *testing.T) {
	s := setupTestStore(t)
	terminal := failure.NewTerminal(failure.ChannelFailure, "test", errors.New("550 mailbox unavailable"))
	mail := &fakeSender{channel: models.ChannelEmail, errs: []error{terminal}}
	d, now := newTestDispatcher(s, mail)

	ev := saveEvent(t, s, "m1", models.SeverityMedium, dawn)
	err := d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, failure.ChannelFailure, failure.KindOf(err))
	require.Len(t, ev.Dispatches, 1)
	assert.Equal(t, models.DispatchFailed, ev.Dispatches[0].Status)
	assert.Equal(t, 1, ev.Dispatches[0].Attempts)

	// A failed send does not hold the throttle window.
	*now = dawn.Add(time.Minute)
	ev2 := saveEvent(t, s, "m2", models.SeverityMedium, *now)
	require.NoError(t, d.Dispatch(context.Background(), ev2))
	assert.Equal(t, models.DispatchSent, ev2.Dispatches[0].Status)
}

func TestDispatch_SkipsUnconfiguredChannel(t *testing.T) {
	s := setupTestStore(t)
	d, _ := newTestDispatcher(s, &fakeSender{channel: models.ChannelMessaging})

	ev := saveEvent(t, s, "h", models.SeverityHigh, dawn)
	require.NoError(t, d.Dispatch(context.Background(), ev))
	assert.Equal(t, 1, statuses(ev.Dispatches, models.ChannelMessaging)[models.DispatchSent])
	assert.Equal(t, 1, statuses(ev.Dispatches, models.ChannelEmail)[models.DispatchSkipped])
}

func TestDispatch_Audience(t *testing.T) {
	s := setupTestStore(t)
	msg := &fakeSender{channel: models.ChannelMessaging}
	d, _ := newTestDispatcher(s, msg)

	ev := saveEvent(t, s, "aud", models.SeverityHigh, dawn)
	ev.Audience = []string{"irrigation"}
	require.NoError(t, d.Dispatch(context.Background(), ev))
	assert.Zero(t, msg.count())
	assert.Empty(t, ev.Dispatches)
}

type fakeStream struct{ events []string }

func (f *fakeStream) Publish(_ context.Context, ev *models.AlertEvent) error {
	f.events = append(f.events, ev.ID)
	return nil
}

func TestDispatch_PublishesToStream(t *testing.T) {
	s := setupTestStore(t)
	d, _ := newTestDispatcher(s)
	stream := &fakeStream{}
	d.SetStream(stream)
	require.NoError(t, d.Dispatch(context.Background(), saveEvent(t, s, "st", models.SeverityLow, dawn)))
	assert.Equal(t, []string{"st"}, stream.events)
}

func TestBody_SortedValues(t *testing.T) {
	ev := &models.AlertEvent{Message: "m", Values: map[string]float64{"value": 1, "threshold": 2}, TriggeredAt: dawn}
	assert.Equal(t, "m\nthreshold: 2.00\nvalue: 1.00\ntriggered: 2024-07-15 06:00 UTC\n", Body(ev))
	assert.Equal(t, "[METGO] CRITICAL frost quillota_centro",
		Subject(&models.AlertEvent{Severity: models.SeverityCritical, Kind: models.AlertFrost, StationID: "quillota_centro"}))
}

func sampleMessage(addr string) Message {
	ev := &models.AlertEvent{
		ID: "id-1", RuleID: "frost/quillota_centro", Kind: models.AlertFrost, Severity: models.SeverityCritical,
		StationID: quillota.StationID, TriggeredAt: dawn, Message: "frost critical", Values: map[string]float64{"value": -1.2},
	}
	return Message{Event: ev, Recipient: "operaciones", Address: addr, Subject: Subject(ev), Body: Body(ev)}
}

func TestSMSSender(t *testing.T) {
	var form map[string]string
	var auth string
	status := http.StatusCreated
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{"To": r.Form.Get("To"), "From": r.Form.Get("From"), "Body": r.Form.Get("Body")}
		auth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	snd, err := NewSMSSender(config.SMSConfig{URL: srv.URL, AccountSID: "AC1", Token: "tok", From: "+56900000000"})
	require.NoError(t, err)
	require.NoError(t, snd.Send(context.Background(), sampleMessage("+56912345678")))
	assert.Equal(t, "+56912345678", form["To"])
	assert.Equal(t, "+56900000000", form["From"])
	assert.Contains(t, form["Body"], "frost critical")
	assert.Equal(t, "Basic QUMxOnRvaw==", auth)

	status = http.StatusBadRequest
	err = snd.Send(context.Background(), sampleMessage("+56912345678"))
	require.Error(t, err)
	assert.True(t, failure.Terminal(err))
}

func TestWebhookSender(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	snd := NewWebhookSender(config.WebhookConfig{TimeoutS: 5})
	require.NoError(t, snd.Send(context.Background(), sampleMessage(srv.URL)))
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, models.AlertFrost, got.Kind)
	assert.Equal(t, -1.2, got.Values["value"])
}

func TestWebhookSender_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(config.WebhookConfig{TimeoutS: 5}).Send(context.Background(), sampleMessage(srv.URL))
	require.Error(t, err)
	assert.True(t, retriable(err))
}

func TestEmailSender(t *testing.T) {
	snd, err := NewEmailSender(config.SMTPConfig{Host: "smtp.example.cl", Port: 587, From: "alertas@metgo.cl"})
	require.NoError(t, err)
	snd.now = func() time.Time { return dawn }

	var gotAddr string
	var gotTo []string
	var gotBody []byte
	snd.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, msg
		return nil
	}
	require.NoError(t, snd.Send(context.Background(), sampleMessage("operaciones@metgo.cl")))
	assert.Equal(t, "smtp.example.cl:587", gotAddr)
	assert.Equal(t, []string{"operaciones@metgo.cl"}, gotTo)
	assert.Contains(t, string(gotBody), "Subject: [METGO] CRITICAL frost quillota_centro\r\n")
	assert.Contains(t, string(gotBody), "\r\n\r\nfrost critical\n")

	snd.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "no such user"}
	}
	err = snd.Send(context.Background(), sampleMessage("nobody@metgo.cl"))
	assert.True(t, failure.Terminal(err))

	snd.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 421, Msg: "try later"}
	}
	err = snd.Send(context.Background(), sampleMessage("nobody@metgo.cl"))
	assert.True(t, retriable(err))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type fakeBroker struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (b *fakeBroker) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b.topic, b.qos, b.payload = topic, qos, payload.([]byte)
	return doneToken{err: b.err}
}

func TestMQTTSender(t *testing.T) {
	broker := &fakeBroker{}
	snd := NewMQTTSender(broker, "metgo/alerts/")

	require.NoError(t, snd.Send(context.Background(), sampleMessage("/agricultural")))
	assert.Equal(t, "metgo/alerts/agricultural", broker.topic)
	assert.Equal(t, byte(1), broker.qos)
	var p mqttPayload
	require.NoError(t, json.Unmarshal(broker.payload, &p))
	assert.Equal(t, models.SeverityCritical, p.Severity)

	require.NoError(t, snd.Send(context.Background(), sampleMessage("farm/7")))
	assert.Equal(t, "farm/7", broker.topic)

	broker.err = errors.New("not connected")
	err := snd.Send(context.Background(), sampleMessage("farm/7"))
	require.Error(t, err)
	assert.True(t, retriable(err))
}

type fakeWriter struct{ msgs []kafka.Message }

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaStream(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaStream{w: w}
	ev := sampleMessage("").Event
	ev.DedupKey = "frost|quillota_centro|critical|2024-07-15T06"
	require.NoError(t, k.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "quillota_centro", string(w.msgs[0].Key))

	var got streamEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "2024-07-15T06:00:00Z", got.TriggeredAt)
	assert.Equal(t, ev.DedupKey, got.DedupKey)

	_, err := NewKafkaStream(config.KafkaConfig{Topic: "metgo.alerts"})
	assert.Equal(t, failure.ConfigInvalid, failure.KindOf(err))
}
