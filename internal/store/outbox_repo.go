package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// Outbox message kinds.
const (
	OutboxKindReply   = "reply"
	OutboxKindTimeout = "timeout"
)

// OutboxMessage is a durable outgoing WhatsApp message.
type OutboxMessage struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Phone         string       `json:"phone"`
	Kind          string       `json:"kind"`
	Body          string       `json:"body"`
	ResponseKey   string       `json:"response_key,omitempty"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines durable outbox persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts msg as queued. When msg.DedupeKey is set and a message with that
	// key already exists in any status, the existing id is returned and created is false.
	EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (id string, created bool, err error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose next_attempt_at <= now (or is
	// NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records a final send failure.
	AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error

	// GetOutboxMessage returns one message by id, or nil when it does not exist.
	GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error)

	// RequeueStaleSendingMessages resets messages stuck in sending since before staleBefore back to
	// queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
