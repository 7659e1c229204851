// Package notify renders and sends patient-facing email through SendGrid.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Email is a fully rendered outbound message.
type Email struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string

	// ICalEvent, when set, is attached as an invite.ics calendar part.
	ICalEvent []byte
}

// EmailSender delivers rendered email. Implementations must be safe for
// concurrent use.
type EmailSender interface {
	Send(ctx context.Context, msg *Email) error
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromName  string
	fromEmail string
	logger    *logging.Logger
}

func NewSendGridSender(apiKey, fromName, fromEmail string, logger *logging.Logger) *SendGridSender {
	return &SendGridSender{
		client:    sendgrid.NewSendClient(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg *Email) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	m := mail.NewSingleEmail(from, msg.Subject, to, msg.TextBody, msg.HTMLBody)

	if len(msg.ICalEvent) > 0 {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(msg.ICalEvent))
		att.SetType("text/calendar; method=REQUEST")
		att.SetFilename("invite.ics")
		att.SetDisposition("attachment")
		m.AddAttachment(att)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("notify: sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	s.logger.Info("email sent", "to", msg.To, "subject", msg.Subject, "status", resp.StatusCode)
	return nil
}

// StubSender records messages instead of sending them. Used when no
// SendGrid key is configured and in tests.
type StubSender struct {
	logger *logging.Logger
	Sent   []*Email
}

func NewStubSender(logger *logging.Logger) *StubSender {
	return &StubSender{logger: logger}
}

func (s *StubSender) Send(_ context.Context, msg *Email) error {
	s.Sent = append(s.Sent, msg)
	if s.logger != nil {
		s.logger.Info("email suppressed (stub sender)", "to", msg.To, "subject", msg.Subject)
	}
	return nil
}
