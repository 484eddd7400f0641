// Package store persists conversation contexts, the per-message decision log and the outbound
// outbox.
//
// Three backends share one contract: InMemoryStore for tests and demos, SQLiteStore for a single
// node and PostgresStore for shared deployments.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// ContextStore loads and saves conversation contexts keyed by (tenant, phone).
type ContextStore interface {
	// LoadContext returns the stored context, or nil without error when the conversation is new.
	LoadContext(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error)
	// SaveContext replaces the stored context atomically.
	SaveContext(ctx context.Context, c *models.ConversationContext) error
	// ListExpiredLocks returns conversations whose active lock expired at or before now, oldest first.
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.ConversationKey, error)
	// LastTenantForPhone returns the tenant that most recently talked to phone, or "" when none did.
	LastTenantForPhone(ctx context.Context, phone string) (string, error)
}

// DecisionLog records the decision emitted for each message id so redelivered messages replay it.
type DecisionLog interface {
	// LookupDecision returns the decision recorded for messageID, or nil when there is none.
	LookupDecision(ctx context.Context, tenantID, messageID string) (*models.FlowLockDecision, error)
	// RecordDecision stores d under its message id. Recording the same id twice keeps the first.
	RecordDecision(ctx context.Context, d models.FlowLockDecision) error
}

// DecisionPruner drops decision log entries recorded before a cutoff. Replays of older
// messages are then decided afresh.
type DecisionPruner interface {
	PruneDecisions(ctx context.Context, before time.Time) (int, error)
}

// Store is implemented by every backend.
type Store interface {
	ContextStore
	DecisionLog
	DecisionPruner
	OutboxRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// DetectDSNType reports whether dsn addresses PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the backend selected by the DSN, or an in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == DSNTypePostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// OutboxDedupeKey is the dedupe key of the reply to one inbound message. It is empty when the
// message carries no id.
func OutboxDedupeKey(tenantID, messageID string) string {
	if messageID == "" {
		return ""
	}
	return tenantID + ":" + messageID
}
