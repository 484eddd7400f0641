package recovery

import (
	"context"
	"log/slog"
)

// StaleOutbox is implemented by store.OutboxSender.
type StaleOutbox interface {
	RecoverStaleMessages(ctx context.Context) error
}

// LockSweep is implemented by engine.Sweeper.
type LockSweep interface {
	Sweep(ctx context.Context) int
}

// OutboxRecovery requeues messages left in sending state by a crash.
func OutboxRecovery(o StaleOutbox) Recoverable {
	return RecoverFunc(o.RecoverStaleMessages)
}

// LockRecovery handles locks that expired while the process was down, before the periodic
// sweep would reach them.
func LockRecovery(s LockSweep) Recoverable {
	return RecoverFunc(func(ctx context.Context) error {
		if n := s.Sweep(ctx); n > 0 {
			slog.Info("recovery.LockRecovery: handled expired locks", "count", n)
		}
		return ctx.Err()
	})
}
