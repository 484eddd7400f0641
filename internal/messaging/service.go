// Package messaging connects WhatsApp channels to the decision engine: it turns channel events
// into inbound events, renders decisions into text and delivers them through the outbox.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DefaultChannelBufferSize is the buffer of inbound event channels.
const DefaultChannelBufferSize = 100

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var nonDigits = regexp.MustCompile(`\D`)

// Service is a pluggable outbound WhatsApp channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only form of a phone number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and releases resources.
	Stop() error
}

// InboundSource is a channel that pushes inbound messages. Tenants are not resolved yet.
type InboundSource interface {
	Inbound() <-chan models.InboundEvent
}

// CanonicalizePhone strips everything but digits and rejects numbers shorter than six digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
