// Package engine is the single entry point that turns an inbound message into a flow-lock
// decision. It owns the per-conversation critical section, idempotent replay and the atomic
// load-decide-save cycle around the classifier and the lock manager.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/BookingPipe/internal/classifier"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/vocab"
)

// Engine resolves inbound messages into decisions.
type Engine struct {
	contexts  store.ContextStore
	decisions store.DecisionLog
	vocabs    vocab.Provider
	pipeline  *classifier.Pipeline
	locks     *flow.LockManager
	mu        *KeyedMutex
	now       func() time.Time
	sessionID func() string
}

// Opts holds configuration for an Engine.
type Opts struct {
	Pipeline    *classifier.Pipeline
	LockManager *flow.LockManager
	Clock       func() time.Time
	SessionIDs  func() string
}

// Option configures an Engine.
type Option func(*Opts)

// WithPipeline sets the classification pipeline. The default has no LLM layer.
func WithPipeline(p *classifier.Pipeline) Option {
	return func(o *Opts) { o.Pipeline = p }
}

// WithLockManager sets the lock manager.
func WithLockManager(m *flow.LockManager) Option {
	return func(o *Opts) { o.LockManager = m }
}

// WithClock sets the clock used for events without a receive time and for sweeps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithSessionIDs sets the generator of new session ids.
func WithSessionIDs(gen func() string) Option {
	return func(o *Opts) { o.SessionIDs = gen }
}

// New creates an Engine over the given persistence and vocabulary provider.
func New(contexts store.ContextStore, decisions store.DecisionLog, vocabs vocab.Provider, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = classifier.New()
	}
	if cfg.LockManager == nil {
		cfg.LockManager = flow.NewLockManager()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SessionIDs == nil {
		cfg.SessionIDs = uuid.NewString
	}
	return &Engine{
		contexts:  contexts,
		decisions: decisions,
		vocabs:    vocabs,
		pipeline:  cfg.Pipeline,
		locks:     cfg.LockManager,
		mu:        NewKeyedMutex(),
		now:       cfg.Clock,
		sessionID: cfg.SessionIDs,
	}
}

// HandleMessage runs one turn. Turns of the same conversation are serialized; a message id that
// was already decided returns the recorded decision without touching the context. Load and save
// failures are returned wrapped in models.ErrContextLoad / models.ErrContextSave and no decision
// is produced.
func (e *Engine) HandleMessage(ctx context.Context, ev models.InboundEvent) (models.FlowLockDecision, error) {
	if err := ev.Validate(); err != nil {
		return models.FlowLockDecision{}, err
	}
	key := ev.Key()
	unlock, err := e.mu.Lock(ctx, key.String())
	if err != nil {
		return models.FlowLockDecision{}, fmt.Errorf("waiting for conversation %s: %w", key, err)
	}
	defer unlock()

	if ev.MessageID != "" {
		prev, err := e.decisions.LookupDecision(ctx, ev.TenantID, ev.MessageID)
		if err != nil {
			return models.FlowLockDecision{}, fmt.Errorf("%w: decision lookup: %w", models.ErrContextLoad, err)
		}
		if prev != nil {
			slog.Debug("Engine.HandleMessage: replaying decision", "tenant", ev.TenantID, "phone", ev.Phone,
				"messageID", ev.MessageID, "key", prev.ResponseKey)
			return *prev, nil
		}
	}

	c, err := e.contexts.LoadContext(ctx, ev.TenantID, ev.Phone)
	if err != nil {
		return models.FlowLockDecision{}, fmt.Errorf("%w: %w", models.ErrContextLoad, err)
	}
	if c != nil {
		if prev := c.FindDecision(ev.MessageID); prev != nil {
			slog.Debug("Engine.HandleMessage: replaying decision from history", "tenant", ev.TenantID,
				"phone", ev.Phone, "messageID", ev.MessageID)
			return *prev, nil
		}
	}

	v, err := e.vocabs.Vocabulary(ctx, ev.TenantID)
	if err != nil {
		return models.FlowLockDecision{}, err
	}

	now := ev.ReceivedAt
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	if c == nil {
		c = models.NewConversationContext(e.sessionID(), ev.TenantID, ev.Phone, ev.Source, now)
		slog.Debug("Engine.HandleMessage: new conversation", "tenant", ev.TenantID, "phone", ev.Phone,
			"session", c.SessionID)
	}
	if c.Domain == "" {
		c.Domain = v.Domain
	}
	c.Touch(now)

	d := e.decide(ctx, ev, now, c, v)

	entry := models.IntentHistoryEntry{
		MessageID:  ev.MessageID,
		Intent:     d.Intent,
		Flow:       d.ActiveFlow,
		Confidence: d.Confidence,
		Method:     d.Method,
		Timestamp:  now,
	}
	if ev.MessageID != "" {
		recorded := d
		entry.Decision = &recorded
	}
	c.AppendIntent(entry, v.Policy.HistoryLimit)

	if err := c.Validate(); err != nil {
		return models.FlowLockDecision{}, fmt.Errorf("%w: %w", models.ErrContextSave, err)
	}
	if err := e.contexts.SaveContext(ctx, c); err != nil {
		return models.FlowLockDecision{}, fmt.Errorf("%w: %w", models.ErrContextSave, err)
	}
	if ev.MessageID != "" {
		if err := e.decisions.RecordDecision(ctx, d); err != nil {
			// The decision is still recoverable from the saved intent history.
			slog.Warn("Engine.HandleMessage: record decision failed", "tenant", ev.TenantID,
				"messageID", ev.MessageID, "error", err)
		}
	}

	slog.Info("Engine.HandleMessage: decided", "tenant", ev.TenantID, "phone", ev.Phone,
		"intent", d.Intent, "method", d.Method, "allow", d.AllowIntent, "flow", d.ActiveFlow,
		"step", d.Step, "action", d.Action, "key", d.ResponseKey)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, ev models.InboundEvent, now time.Time, c *models.ConversationContext, v *vocab.Vocabulary) models.FlowLockDecision {
	exp := e.locks.CheckExpiry(now, ev.MessageID, c, v)
	if exp.Outcome == flow.ExpiryWarned {
		d := exp.Decision
		d.Detection.Metadata.RawInput = ev.Text
		return d
	}

	det := e.pipeline.Classify(ctx, classifier.Input{
		Text:       ev.Text,
		Vocabulary: v,
		Context:    c,
		SkipLLM:    c.DataCollection.AwaitingInput,
	})
	t := flow.Turn{
		Now:       now,
		MessageID: ev.MessageID,
		Text:      ev.Text,
		Detection: det,
	}
	if exp.Outcome == flow.ExpiryFinalized {
		t.Expired = exp.Flow
	}
	return e.locks.Check(t, c, v)
}

// Conversation returns the stored context of a conversation, or nil when none exists.
func (e *Engine) Conversation(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error) {
	c, err := e.contexts.LoadContext(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrContextLoad, err)
	}
	return c, nil
}

// SweepExpired runs the expiry grace process on up to limit conversations whose lock has expired
// without a new message, and returns the warning and finalization decisions it produced.
func (e *Engine) SweepExpired(ctx context.Context, limit int) ([]models.FlowLockDecision, error) {
	now := e.now().UTC()
	keys, err := e.contexts.ListExpiredLocks(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired locks: %w", models.ErrContextLoad, err)
	}
	var out []models.FlowLockDecision
	for _, k := range keys {
		d, ok, err := e.expire(ctx, k, now)
		if err != nil {
			slog.Warn("Engine.SweepExpired: expiry failed", "tenant", k.TenantID, "phone", k.Phone, "error", err)
			continue
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *Engine) expire(ctx context.Context, k models.ConversationKey, now time.Time) (models.FlowLockDecision, bool, error) {
	unlock, err := e.mu.Lock(ctx, k.String())
	if err != nil {
		return models.FlowLockDecision{}, false, err
	}
	defer unlock()

	c, err := e.contexts.LoadContext(ctx, k.TenantID, k.Phone)
	if err != nil {
		return models.FlowLockDecision{}, false, fmt.Errorf("%w: %w", models.ErrContextLoad, err)
	}
	// A message may have renewed or ended the lock since it was listed.
	if c == nil || c.FlowLock == nil || !c.FlowLock.IsExpired(now) {
		return models.FlowLockDecision{}, false, nil
	}
	v, err := e.vocabs.Vocabulary(ctx, k.TenantID)
	if err != nil {
		return models.FlowLockDecision{}, false, err
	}

	res := e.locks.CheckExpiry(now, "", c, v)
	if res.Outcome != flow.ExpiryWarned && res.Outcome != flow.ExpiryFinalized {
		return models.FlowLockDecision{}, false, nil
	}
	if err := e.contexts.SaveContext(ctx, c); err != nil {
		return models.FlowLockDecision{}, false, fmt.Errorf("%w: %w", models.ErrContextSave, err)
	}
	slog.Debug("Engine.expire", "tenant", k.TenantID, "phone", k.Phone, "flow", res.Flow, "key", res.Decision.ResponseKey)
	return res.Decision, true, nil
}
