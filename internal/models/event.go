package models

import (
	"fmt"
	"strings"
	"time"
)

// InboundEvent is a normalized inbound message handed to the engine by an ingress adapter.
type InboundEvent struct {
	TenantID       string        `json:"tenant_id"`
	Phone          string        `json:"phone"`
	Text           string        `json:"message_text"`
	MessageID      string        `json:"message_id,omitempty"`
	Source         MessageSource `json:"source"`
	ChannelAccount string        `json:"channel_account,omitempty"`
	ReceivedAt     time.Time     `json:"received_at"`
}

// Validate checks the fields the engine depends on.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidEvent)
	}
	switch e.Source {
	case SourceWhatsApp, SourceDemo:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, e.Source)
	}
	return nil
}

// ConversationKey identifies one conversation.
type ConversationKey struct {
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`
}

// String returns the key used for per-conversation serialization.
func (k ConversationKey) String() string {
	return k.TenantID + "|" + k.Phone
}

// Key returns the conversation the event belongs to.
func (e InboundEvent) Key() ConversationKey {
	return ConversationKey{TenantID: e.TenantID, Phone: e.Phone}
}
