package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 50
)

// DecisionHandler receives decisions produced without an inbound message.
type DecisionHandler func(ctx context.Context, d models.FlowLockDecision)

// Sweeper periodically expires locks of conversations that went silent, so the timeout warning
// and the final abandonment are sent even when the user never writes again.
type Sweeper struct {
	engine   *Engine
	handle   DecisionHandler
	interval time.Duration
	batch    int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the time between sweeps.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepBatch bounds the number of conversations handled per sweep.
func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewSweeper creates a Sweeper that hands every decision to handle.
func NewSweeper(e *Engine, handle DecisionHandler, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:   e,
		handle:   handle,
		interval: DefaultSweepInterval,
		batch:    DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("Sweeper.Run: starting", "interval", s.interval, "batch", s.batch)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopping")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of decisions handed off.
func (s *Sweeper) Sweep(ctx context.Context) int {
	decisions, err := s.engine.SweepExpired(ctx, s.batch)
	if err != nil {
		slog.Error("Sweeper.Sweep: sweep failed", "error", err)
		return 0
	}
	for _, d := range decisions {
		if s.handle != nil {
			s.handle(ctx, d)
		}
	}
	if len(decisions) > 0 {
		slog.Debug("Sweeper.Sweep: expired locks handled", "count", len(decisions))
	}
	return len(decisions)
}
