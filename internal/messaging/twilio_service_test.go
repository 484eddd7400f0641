package messaging

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/twiliowhatsapp"
)

func TestParseTwilioWebhook(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	form := url.Values{
		"From":       {"whatsapp:+5511999990000"},
		"To":         {"whatsapp:+5511000000000"},
		"Body":       {"  cancelar "},
		"MessageSid": {"SM123"},
	}
	ev, err := ParseTwilioWebhook(form, at)
	if err != nil {
		t.Fatalf("ParseTwilioWebhook failed: %v", err)
	}
	want := models.InboundEvent{
		Phone:          "5511999990000",
		Text:           "cancelar",
		MessageID:      "SM123",
		Source:         models.SourceWhatsApp,
		ChannelAccount: "5511000000000",
		ReceivedAt:     at,
	}
	if ev != want {
		t.Errorf("Expected %+v, got %+v", want, ev)
	}
}

func TestParseTwilioWebhook_Invalid(t *testing.T) {
	for _, form := range []url.Values{
		{"Body": {"oi"}},
		{"From": {"whatsapp:+12"}, "Body": {"oi"}},
	} {
		if _, err := ParseTwilioWebhook(form, time.Now()); !errors.Is(err, models.ErrInvalidEvent) {
			t.Errorf("Expected ErrInvalidEvent for %v, got %v", form, err)
		}
	}
}

func TestParseTwilioWebhook_SmsSidFallback(t *testing.T) {
	ev, err := ParseTwilioWebhook(url.Values{"From": {"whatsapp:+5511999990000"}, "SmsMessageSid": {"SM9"}}, time.Now())
	if err != nil {
		t.Fatalf("ParseTwilioWebhook failed: %v", err)
	}
	if ev.MessageID != "SM9" {
		t.Errorf("Expected SmsMessageSid fallback, got %q", ev.MessageID)
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "whatsapp:+5511999990000", "Olá"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "5511999990000" {
		t.Errorf("Expected canonical recipient, got %+v", mock.SentMessages)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(ctx, "5511999990000", "Olá"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("Expected ErrServiceStopped, got %v", err)
	}
}
