package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. Contexts and decisions are stored serialized so
// callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	contexts  map[models.ConversationKey]memoryContext
	decisions map[string][]byte
	decided   map[string]time.Time
	outbox    map[string]*OutboxMessage
	order     []string
}

type memoryContext struct {
	data      []byte
	expiresAt *time.Time
	updatedAt time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts:  make(map[models.ConversationKey]memoryContext),
		decisions: make(map[string][]byte),
		decided:   make(map[string]time.Time),
		outbox:    make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) LoadContext(ctx context.Context, tenantID, phone string) (*models.ConversationContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	mc, ok := s.contexts[models.ConversationKey{TenantID: tenantID, Phone: phone}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeContext(mc.data, tenantID, phone)
}

func (s *InMemoryStore) SaveContext(ctx context.Context, c *models.ConversationContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row, err := encodeContext(c)
	if err != nil {
		return err
	}
	mc := memoryContext{data: row.data, updatedAt: row.lastMessageAt}
	if c.FlowLock != nil {
		exp := c.FlowLock.ExpiresAt
		mc.expiresAt = &exp
	}
	s.mu.Lock()
	s.contexts[models.ConversationKey{TenantID: c.TenantID, Phone: c.Phone}] = mc
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.ConversationKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type expired struct {
		key models.ConversationKey
		at  time.Time
	}
	var found []expired
	s.mu.RLock()
	for k, mc := range s.contexts {
		if mc.expiresAt != nil && !now.Before(*mc.expiresAt) {
			found = append(found, expired{key: k, at: *mc.expiresAt})
		}
	}
	s.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	keys := make([]models.ConversationKey, len(found))
	for i, e := range found {
		keys[i] = e.key
	}
	return keys, nil
}

func (s *InMemoryStore) LastTenantForPhone(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tenant string
	var latest time.Time
	for k, mc := range s.contexts {
		if k.Phone != phone {
			continue
		}
		if tenant == "" || mc.updatedAt.After(latest) {
			tenant, latest = k.TenantID, mc.updatedAt
		}
	}
	return tenant, nil
}

func (s *InMemoryStore) LookupDecision(ctx context.Context, tenantID, messageID string) (*models.FlowLockDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if messageID == "" {
		return nil, nil
	}
	s.mu.RLock()
	data, ok := s.decisions[tenantID+"|"+messageID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeDecision(data, messageID)
}

func (s *InMemoryStore) RecordDecision(ctx context.Context, d models.FlowLockDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.MessageID == "" {
		return nil
	}
	data, err := encodeDecision(d)
	if err != nil {
		return err
	}
	key := d.TenantID + "|" + d.MessageID
	s.mu.Lock()
	if _, ok := s.decisions[key]; !ok {
		s.decisions[key] = []byte(data)
		s.decided[key] = time.Now().UTC()
	}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) PruneDecisions(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, at := range s.decided {
		if at.Before(before) {
			delete(s.decisions, key)
			delete(s.decided, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.DedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == msg.DedupeKey {
				return m.ID, false, nil
			}
		}
	}
	now := time.Now()
	m := msg
	m.ID = util.GenerateOutboxID()
	m.Status = OutboxStatusQueued
	m.Attempts = 0
	m.CreatedAt = now
	m.UpdatedAt = now
	s.outbox[m.ID] = &m
	s.order = append(s.order, m.ID)
	return m.ID, true, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := s.outbox[id]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(ctx, id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	return s.updateOutbox(ctx, id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) updateOutbox(ctx context.Context, id string, fn func(*OutboxMessage)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
