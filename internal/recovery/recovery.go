// Package recovery runs startup recovery after a restart: work that was in flight when the
// previous process stopped is put back where the background loops will pick it up.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable restores one component's state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState implements Recoverable.
func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type registered struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	recoverables []registered
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component. Components recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, registered{name: name, r: r})
}

// RecoverAll recovers every component. A failing component does not stop the others; all
// failures are returned joined.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	var errs []error
	for _, c := range rm.recoverables {
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		slog.Debug("RecoveryManager.RecoverAll: component recovered", "component", c.name)
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", len(rm.recoverables)-len(errs), "errors", len(errs))
	return errors.Join(errs...)
}
