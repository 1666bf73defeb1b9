package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through the HTTP webhook, which calls HandleInbound.
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender
	inbox  *inbox
}

// NewTwilioService creates a new TwilioService with a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client: client,
		inbox:  newInbox(),
	}
}

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+33...", "+33..." or
// bare digits and returns the digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; inbound traffic is pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Responses channel.
func (s *TwilioService) Stop() error {
	if s.inbox.close() {
		slog.Info("TwilioService.Stop: stopped")
	}
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isClosed() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("TwilioService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.inbox.ch
}

// HandleInbound queues a message received by the webhook. It reports
// whether the message was accepted.
func (s *TwilioService) HandleInbound(from, body, messageSID string) bool {
	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.HandleInbound: invalid sender", "error", err)
		return false
	}
	return s.inbox.emit("TwilioService", models.Response{
		From:      canonicalFrom,
		Body:      body,
		MessageID: messageSID,
		Time:      time.Now().Unix(),
	})
}
