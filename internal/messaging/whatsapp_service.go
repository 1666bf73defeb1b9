package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is the part of whatsapp.Client that delivers inbound events.
type eventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	events eventSource // nil for mock senders
	inbox  *inbox

	mu        sync.Mutex
	handlerID uint32
	started   bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		inbox:  newInbox(),
	}
	if src, ok := client.(eventSource); ok {
		service.events = src
	} else {
		slog.Debug("WhatsAppService.New: sender has no event source, inbound disabled")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.events == nil {
		return nil
	}
	s.handlerID = s.events.AddEventHandler(s.handleEvent)
	s.started = true
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the Responses channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	if s.started {
		s.events.RemoveEventHandler(s.handlerID)
		s.started = false
	}
	s.mu.Unlock()
	if s.inbox.close() {
		slog.Info("WhatsAppService.Stop: stopped")
	}
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isClosed() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Responses returns a channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.inbox.ch
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if resp, ok := responseFromEvent(v); ok {
			s.inbox.emit("WhatsAppService", resp)
		}
	case *events.Connected:
		slog.Info("WhatsAppService.handleEvent: connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService.handleEvent: disconnected")
	}
}

// responseFromEvent converts a direct text message into a Response.
// Own messages, group messages and non-text payloads are ignored.
func responseFromEvent(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	default:
		slog.Debug("WhatsAppService.responseFromEvent: ignoring non-text message", "from", evt.Info.Sender.User)
		return models.Response{}, false
	}
	return models.Response{
		From:      evt.Info.Sender.User,
		Body:      text,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}, true
}
