package messaging

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API. Inbound messages arrive through the
// HTTP webhook, see ParseTwilioWebhook.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService wraps client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient implements Service.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(twiliowhatsapp.PhoneFromAddress(recipient))
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(context.Context) error {
	return nil
}

// Stop makes further sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage implements Service.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
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

// ParseTwilioWebhook turns the form of an inbound Twilio WhatsApp webhook into an inbound event.
// The tenant is left for the caller to resolve; the receiving number becomes the channel account.
func ParseTwilioWebhook(form url.Values, receivedAt time.Time) (models.InboundEvent, error) {
	from := form.Get("From")
	if from == "" {
		return models.InboundEvent{}, fmt.Errorf("%w: missing From", models.ErrInvalidEvent)
	}
	phone, err := CanonicalizePhone(twiliowhatsapp.PhoneFromAddress(from))
	if err != nil {
		return models.InboundEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}
	messageID := form.Get("MessageSid")
	if messageID == "" {
		messageID = form.Get("SmsMessageSid")
	}
	return models.InboundEvent{
		Phone:          phone,
		Text:           strings.TrimSpace(form.Get("Body")),
		MessageID:      messageID,
		Source:         models.SourceWhatsApp,
		ChannelAccount: twiliowhatsapp.PhoneFromAddress(form.Get("To")),
		ReceivedAt:     receivedAt.UTC(),
	}, nil
}
