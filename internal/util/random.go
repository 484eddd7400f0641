package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// OutboxIDPrefix prefixes outbox message ids.
const OutboxIDPrefix = "outbox_"

// NewID returns prefix followed by the 32 hex digits of a random UUID.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// GenerateOutboxID returns a new outbox message id.
func GenerateOutboxID() string {
	return NewID(OutboxIDPrefix)
}
