package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/BookingPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store shared by several engine nodes.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadContext(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context_json FROM conversation_contexts WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.LoadContext failed", "error", err, "tenant", tenantID, "phone", phone)
		return nil, fmt.Errorf("load context failed: %w", err)
	}
	return decodeContext(data, tenantID, phone)
}

func (s *PostgresStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	row, err := encodeContext(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_contexts (tenant_id, phone, session_id, context_json, active_flow, lock_expires_at, last_message_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, phone) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   context_json = EXCLUDED.context_json,
		   active_flow = EXCLUDED.active_flow,
		   lock_expires_at = EXCLUDED.lock_expires_at,
		   last_message_at = EXCLUDED.last_message_at,
		   updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.Phone, c.SessionID, string(row.data), row.activeFlow, row.lockExpiresAt, row.lastMessageAt, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.SaveContext failed", "error", err, "tenant", c.TenantID, "phone", c.Phone)
		return fmt.Errorf("save context failed: %w", err)
	}
	slog.Debug("PostgresStore.SaveContext", "tenant", c.TenantID, "phone", c.Phone, "activeFlow", row.activeFlow)
	return nil
}

func (s *PostgresStore) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.ConversationKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, phone FROM conversation_contexts
		 WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= $1
		 ORDER BY lock_expires_at ASC LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired locks failed: %w", err)
	}
	return scanConversationKeys(rows)
}

func (s *PostgresStore) LastTenantForPhone(ctx context.Context, phone string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM conversation_contexts WHERE phone = $1 ORDER BY last_message_at DESC LIMIT 1`,
		phone,
	).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last tenant lookup failed: %w", err)
	}
	return tenant, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
