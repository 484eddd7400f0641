package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/util"
)

func (s *PostgresStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, bool, error) {
	id := util.GenerateOutboxID()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, tenant_id, phone, kind, body, response_key, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, $8, $8)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id, msg.TenantID, msg.Phone, msg.Kind, msg.Body, nilIfEmpty(msg.ResponseKey), nilIfEmpty(msg.DedupeKey), now,
	)
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && msg.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM outbox_messages WHERE dedupe_key = $1`, msg.DedupeKey).Scan(&existingID)
		if err != nil {
			return "", false, fmt.Errorf("outbox dedupe lookup failed: %w", err)
		}
		slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
		return existingID, false, nil
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "tenant", msg.TenantID, "phone", msg.Phone, "kind", msg.Kind)
	return id, true, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	return scanOutboxMessages(rows)
}

func (s *PostgresStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
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

func (s *PostgresStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
