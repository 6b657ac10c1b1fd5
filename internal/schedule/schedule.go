// Package schedule is the shared periodic-job runner used by every
// component that needs a background reconciliation loop: the registry's
// heartbeat-staleness sweep and the reboot orchestrator's batch
// scheduler. Adapted from the teacher's internal/cron/scheduler.go,
// generalized from "fire due cron-expression schedules out of the
// store" to "run an arbitrary func on a cron spec," and backed by the
// same cron-expression parser the teacher uses for its schedule
// definitions.
package schedule

import (
	"context"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions plus the predefined
// "@every <duration>" / "@hourly" / … descriptors robfig/cron supports.
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named unit of recurring work.
type Job struct {
	Name string
	Spec string // cron expression or "@every 1s"-style descriptor
	Run  func(ctx context.Context)
}

// Runner drives a fixed set of Jobs on their own cron schedules using a
// single underlying robfig/cron engine.
type Runner struct {
	logger *slog.Logger
	cron   *cronlib.Cron
	mu     sync.Mutex
	done   chan struct{}
}

// NewRunner creates a Runner. Call Add for each job, then Start.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		cron:   cronlib.New(cronlib.WithParser(parser)),
	}
}

// Add schedules job. Returns an error if job.Spec does not parse.
func (r *Runner) Add(job Job) error {
	_, err := r.cron.AddFunc(job.Spec, func() {
		r.logger.Debug("schedule: job firing", "job", job.Name)
		job.Run(context.Background())
	})
	if err != nil {
		return err
	}
	return nil
}

// Start begins running every added job on its schedule, in the
// background. Stop must be called to release resources.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("schedule runner started", "jobs", len(r.cron.Entries()))
}

// Stop cancels all running jobs and waits for in-flight invocations to
// finish.
func (r *Runner) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	r.logger.Info("schedule runner stopped")
}
