package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/whatsapp"
)

// DefaultChannelTimeout bounds how long an event handler waits on a full inbound channel.
const DefaultChannelTimeout = 1 * time.Second

// WhatsAppService implements Service and InboundSource over a whatsmeow session.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client
	inbound  chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
	handler  uint32
}

var (
	_ Service       = (*WhatsAppService)(nil)
	_ InboundSource = (*WhatsAppService)(nil)
)

// NewWhatsAppService wraps client. Inbound events are only produced for a real *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient implements Service.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live session, inbound disabled")
		return nil
	}
	account := s.waClient.Account()
	s.handler = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		ev, ok := inboundFromMessage(msg, account)
		if !ok {
			return
		}
		s.emit(ctx, ev)
	})
	slog.Info("WhatsAppService.Start: event handler registered", "account", account)
	return nil
}

// Stop unregisters the event handler and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handler != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	close(s.inbound)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage implements Service.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Inbound implements InboundSource.
func (s *WhatsAppService) Inbound() <-chan models.InboundEvent {
	return s.inbound
}

func (s *WhatsAppService) emit(ctx context.Context, ev models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService.emit: dropping message after stop", "from", ev.Phone)
		return
	}
	select {
	case s.inbound <- ev:
		slog.Debug("WhatsAppService.emit: message forwarded", "from", ev.Phone, "messageID", ev.MessageID)
	case <-ctx.Done():
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService.emit: inbound channel blocked, dropping message", "from", ev.Phone,
			"timeout", DefaultChannelTimeout)
	}
}

// inboundFromMessage converts a whatsmeow message into an inbound event. Own messages, group
// messages and non-text messages are skipped.
func inboundFromMessage(evt *events.Message, account string) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		return models.InboundEvent{}, false
	}
	return models.InboundEvent{
		Phone:          evt.Info.Sender.User,
		Text:           text,
		MessageID:      string(evt.Info.ID),
		Source:         models.SourceWhatsApp,
		ChannelAccount: account,
		ReceivedAt:     evt.Info.Timestamp.UTC(),
	}, true
}
