// Package notify delivers transactional email to patients and the
// clinic desk. Delivery is best effort: settlement never fails because
// a notification did.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Notifier sends a single message to one recipient.
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

// ConsoleNotifier logs messages instead of sending them. Used in dev
// and as the fallback when SMTP is not configured.
type ConsoleNotifier struct {
	Logger zerolog.Logger
}

func (c *ConsoleNotifier) Notify(_ context.Context, to, subject, body string) error {
	c.Logger.Info().
		Str("to", to).
		Str("subject", subject).
		Msg(body)
	return nil
}

// SMTPNotifier sends plain-text mail through a relay.
type SMTPNotifier struct {
	Addr string // host:port
	From string
}

func (s *SMTPNotifier) Notify(_ context.Context, to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + s.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(s.Addr, nil, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
