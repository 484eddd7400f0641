// Package scheduler runs BookingPipe's periodic maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/BookingPipe/internal/store"
)

// Decision log retention defaults.
const (
	DefaultPruneSchedule     = "0 3 * * *"
	DefaultDecisionRetention = 30 * 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler using the standard 5-field parser plus descriptors such as
// "@hourly" and "@every 10m". Jobs start running when Run is called.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob schedules task using expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Run starts the jobs and blocks until ctx is cancelled, then waits for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler.Run: starting", "jobs", len(s.cron.Entries()))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
	return nil
}

// PruneDecisionsJob returns a job that drops decision log entries older than retention.
func PruneDecisionsJob(ctx context.Context, pruner store.DecisionPruner, retention time.Duration, now func() time.Time) func() {
	if now == nil {
		now = time.Now
	}
	return func() {
		cutoff := now().Add(-retention)
		n, err := pruner.PruneDecisions(ctx, cutoff)
		if err != nil {
			slog.Error("scheduler.PruneDecisionsJob: prune failed", "cutoff", cutoff, "error", err)
			return
		}
		slog.Info("scheduler.PruneDecisionsJob: pruned decision log", "removed", n, "cutoff", cutoff)
	}
}
