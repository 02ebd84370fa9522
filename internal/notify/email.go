package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/metgo/quillota/internal/config"
	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers plain-text mail through an SMTP relay.
type EmailSender struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmailSender(cfg config.SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, failure.Newf(failure.ConfigInvalid, "notify.NewEmailSender", "smtp host and from are required")
	}
	s := &EmailSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		from:     cfg.From,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	const op = "notify.email"
	if err := failure.FromContext(ctx, op); err != nil {
		return err
	}
	body := s.compose(msg)
	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.addr, s.auth, s.from, []string{msg.Address}, body) }()

	select {
	case <-ctx.Done():
		return failure.FromContext(ctx, op)
	case err := <-done:
		if err == nil {
			return nil
		}
		// 5xx replies are permanent rejections.
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return failure.NewTerminal(failure.ChannelFailure, op, err)
		}
		return failure.New(failure.ChannelFailure, op, err)
	}
}

func (s *EmailSender) compose(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Address)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}
