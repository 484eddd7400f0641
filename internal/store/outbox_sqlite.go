package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/util"
)

func (s *SQLiteStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, bool, error) {
	id := util.GenerateOutboxID()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox_messages (id, tenant_id, phone, kind, body, response_key, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, msg.TenantID, msg.Phone, msg.Kind, msg.Body, nilIfEmpty(msg.ResponseKey), nilIfEmpty(msg.DedupeKey), now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && msg.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = ?`, msg.DedupeKey).Scan(&existingID)
		if err != nil {
			return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		slog.Debug("SQLiteStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
		return existingID, false, nil
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage", "id", id, "tenant", msg.TenantID, "phone", msg.Phone, "kind", msg.Kind)
	return id, true, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+`
		 FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		_, err := s.db.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		locked := now
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &locked
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get outbox message failed: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}
