package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// contextRow holds the indexed columns stored next to the serialized context.
type contextRow struct {
	data          []byte
	activeFlow    interface{}
	lockExpiresAt interface{}
	lastMessageAt time.Time
}

func encodeContext(c *models.ConversationContext) (contextRow, error) {
	if err := c.Validate(); err != nil {
		return contextRow{}, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return contextRow{}, fmt.Errorf("failed to encode context for %s|%s: %w", c.TenantID, c.Phone, err)
	}
	row := contextRow{data: data, lastMessageAt: c.LastMessageAt.UTC()}
	if c.FlowLock != nil {
		row.activeFlow = string(c.FlowLock.ActiveFlow)
		row.lockExpiresAt = c.FlowLock.ExpiresAt.UTC()
	}
	return row, nil
}

func decodeContext(data []byte, tenantID, phone string) (*models.ConversationContext, error) {
	var c models.ConversationContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode context for %s|%s: %w", tenantID, phone, err)
	}
	return &c, nil
}

func decodeDecision(data []byte, messageID string) (*models.FlowLockDecision, error) {
	var d models.FlowLockDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision %s: %w", messageID, err)
	}
	return &d, nil
}

func scanConversationKeys(rows *sql.Rows) ([]models.ConversationKey, error) {
	defer rows.Close()
	var keys []models.ConversationKey
	for rows.Next() {
		var k models.ConversationKey
		if err := rows.Scan(&k.TenantID, &k.Phone); err != nil {
			return nil, fmt.Errorf("scan conversation key failed: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation key iteration failed: %w", err)
	}
	return keys, nil
}

const outboxColumns = `id, tenant_id, phone, kind, body, response_key, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var responseKey, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.TenantID, &m.Phone, &m.Kind, &m.Body, &responseKey, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.ResponseKey = responseKey.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func encodeDecision(d models.FlowLockDecision) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode decision %s: %w", d.MessageID, err)
	}
	return string(data), nil
}
