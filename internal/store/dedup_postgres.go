package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

func (s *PostgresStore) LookupDecision(ctx context.Context, tenantID, messageID string) (*models.FlowLockDecision, error) {
	if messageID == "" {
		return nil, nil
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT decision_json FROM inbound_dedup WHERE tenant_id = $1 AND message_id = $2`,
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

func (s *PostgresStore) RecordDecision(ctx context.Context, d models.FlowLockDecision) error {
	if d.MessageID == "" {
		return nil
	}
	data, err := encodeDecision(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (tenant_id, message_id, phone, decision_json, received_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (tenant_id, message_id) DO NOTHING`,
		d.TenantID, d.MessageID, d.Phone, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record decision failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneDecisions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune decisions failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune decisions rows affected: %w", err)
	}
	return int(n), nil
}
