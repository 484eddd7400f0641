// Package whatsapp wraps the whatsmeow client used as BookingPipe's direct WhatsApp channel.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/BookingPipe/internal/store"
)

const (
	// DefaultSQLitePath is where the whatsmeow device store lives when no DSN is given.
	DefaultSQLitePath = "/var/lib/bookingpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server of regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends plain text messages to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store DSN
	QRPath      string // file to write the login QR code to
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option configures the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is a connected whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// DriverFor returns the database/sql driver name whatsmeow should use for dsn.
func DriverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no DSN provided, using default", "path", dbDSN)
	}

	driver := DriverFor(dbDSN)
	if driver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "account", accountUser(waClient))
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: pairing required")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends body as a plain conversation message to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Account returns the phone number this session is logged in as.
func (c *Client) Account() string {
	return accountUser(c.waClient)
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

func accountUser(waClient *whatsmeow.Client) string {
	if waClient == nil || waClient.Store == nil || waClient.Store.ID == nil {
		return ""
	}
	return waClient.Store.ID.User
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned by SendMessage.
	Err error
}

var _ Sender = (*MockClient)(nil)

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message.
func (m *MockClient) SendMessage(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
