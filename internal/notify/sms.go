package notify

import (
	"context"
	"encoding/base64"
	"net/url"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/httputil"
	"github.com/metgo/quillota/internal/models"
)

// smsLimit keeps a message inside one concatenated SMS.
const smsLimit = 320

// SMSSender posts messages to a Twilio-style form endpoint.
type SMSSender struct {
	url  string
	from string
	http *httputil.Client
}

func NewSMSSender(cfg config.SMSConfig) (*SMSSender, error) {
	if cfg.URL == "" || cfg.From == "" {
		return nil, failure.Newf(failure.ConfigInvalid, "notify.NewSMSSender", "sms url and from are required")
	}
	// The dispatcher owns retries.
	c := httputil.New("sms", 0, 0)
	if cfg.AccountSID != "" {
		c.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.AccountSID+":"+cfg.Token)))
	}
	return &SMSSender{url: cfg.URL, from: cfg.From, http: c}, nil
}

func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	text := msg.Subject + "\n" + msg.Event.Message
	if r := []rune(text); len(r) > smsLimit {
		text = string(r[:smsLimit])
	}
	form := url.Values{"To": {msg.Address}, "From": {s.from}, "Body": {text}}
	_, err := s.http.PostForm(ctx, s.url, []byte(form.Encode()))
	return classifyHTTP("notify.sms", err)
}

// classifyHTTP turns an upstream failure into a channel failure. Client-side
// rejections are terminal.
func classifyHTTP(op string, err error) error {
	if err == nil {
		return nil
	}
	switch failure.KindOf(err) {
	case failure.Cancelled, failure.Timeout:
		return err
	case failure.AuthMissing, failure.RangeUnsupported, failure.Malformed:
		return failure.NewTerminal(failure.ChannelFailure, op, err)
	}
	return failure.New(failure.ChannelFailure, op, err)
}
