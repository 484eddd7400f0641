package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual send of one claimed message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval   = 2 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 5
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithMaxAttempts sets how many failed sends abandon a message.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithSenderClock overrides the clock used for claiming and backoff.
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *OutboxSender) {
		if now != nil {
			s.now = now
		}
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...SenderOption) *OutboxSender {
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   DefaultOutboxPollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state. Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) error {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch of due messages and returns how many were sent.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "tenant", msg.TenantID, "phone", msg.Phone, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			if msg.Attempts+1 >= s.maxAttempts {
				if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, err.Error()); err != nil {
					slog.Error("OutboxSender.Poll: abandon message error", "id", msg.ID, "error", err)
				}
				continue
			}
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "tenant", msg.TenantID, "phone", msg.Phone)
	}
	return sent
}
