package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func (s *SQLiteStore) LookupDecision(ctx context.Context, tenantID, messageID string) (*models.FlowLockDecision, error) {
	if messageID == "" {
		return nil, nil
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT decision_json FROM inbound_dedup WHERE tenant_id = ? AND message_id = ?`,
		tenantID, messageID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}
	return decodeDecision(data, messageID)
}

func (s *SQLiteStore) RecordDecision(ctx context.Context, d models.FlowLockDecision) error {
	if d.MessageID == "" {
		return nil
	}
	data, err := encodeDecision(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (tenant_id, message_id, phone, decision_json, received_at) VALUES (?, ?, ?, ?, ?)`,
		d.TenantID, d.MessageID, d.Phone, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record decision failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneDecisions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune decisions failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune decisions rows affected: %w", err)
	}
	return int(n), nil
}
