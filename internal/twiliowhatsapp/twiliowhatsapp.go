// Package twiliowhatsapp wraps the Twilio API for BookingPipe's hosted WhatsApp channel.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends plain text messages to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the Twilio credentials and sending number.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option configures the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the account SID. Defaults to TWILIO_ACCOUNT_SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token. Defaults to TWILIO_AUTH_TOKEN.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number. Defaults to TWILIO_FROM_NUMBER.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client sends WhatsApp messages through the Twilio REST API.
type Client struct {
	client    *twilio.RestClient
	fromWhats string // "whatsapp:+5511..." form
}

var _ Sender = (*Client)(nil)

// NewClient builds a client from options, falling back to the TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	cfg := resolve(opts)
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

func resolve(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	return cfg
}

// SendMessage sends body to the phone number to.
func (c *Client) SendMessage(_ context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Client.SendMessage: sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// WhatsAppAddress returns the "whatsapp:+<digits>" address Twilio expects for a phone number.
func WhatsAppAddress(phone string) string {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:")
	if !strings.HasPrefix(p, "+") {
		p = "+" + p
	}
	return "whatsapp:" + p
}

// PhoneFromAddress strips the "whatsapp:" scheme and the leading plus from a Twilio address.
func PhoneFromAddress(addr string) string {
	p := strings.TrimPrefix(strings.TrimSpace(addr), "whatsapp:")
	return strings.TrimPrefix(p, "+")
}

// WebhookValidator checks the X-Twilio-Signature header of inbound webhooks.
type WebhookValidator struct {
	validator twilioclient.RequestValidator
}

// NewWebhookValidator returns a validator for webhooks signed with authToken.
func NewWebhookValidator(authToken string) *WebhookValidator {
	return &WebhookValidator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the full request URL and its form parameters.
func (v *WebhookValidator) Valid(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message.
func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
