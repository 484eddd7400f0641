package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/BookingPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a single-node Store backed by an SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadContext(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context_json FROM conversation_contexts WHERE tenant_id = ? AND phone = ?`,
		tenantID, phone,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LoadContext failed", "error", err, "tenant", tenantID, "phone", phone)
		return nil, fmt.Errorf("load context failed: %w", err)
	}
	return decodeContext(data, tenantID, phone)
}

func (s *SQLiteStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	row, err := encodeContext(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_contexts (tenant_id, phone, session_id, context_json, active_flow, lock_expires_at, last_message_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, phone) DO UPDATE SET
		   session_id = excluded.session_id,
		   context_json = excluded.context_json,
		   active_flow = excluded.active_flow,
		   lock_expires_at = excluded.lock_expires_at,
		   last_message_at = excluded.last_message_at,
		   updated_at = excluded.updated_at`,
		c.TenantID, c.Phone, c.SessionID, string(row.data), row.activeFlow, row.lockExpiresAt, row.lastMessageAt, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveContext failed", "error", err, "tenant", c.TenantID, "phone", c.Phone)
		return fmt.Errorf("save context failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveContext", "tenant", c.TenantID, "phone", c.Phone, "activeFlow", row.activeFlow)
	return nil
}

func (s *SQLiteStore) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.ConversationKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, phone FROM conversation_contexts
		 WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= ?
		 ORDER BY lock_expires_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired locks failed: %w", err)
	}
	return scanConversationKeys(rows)
}

func (s *SQLiteStore) LastTenantForPhone(ctx context.Context, phone string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM conversation_contexts WHERE phone = ? ORDER BY last_message_at DESC LIMIT 1`,
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
