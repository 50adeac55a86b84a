// Package sweep provides the liveness net under the at-most-once queue
// handoff: a worker that dies mid-stage leaves its job parked in a
// PROCESSING status forever, and the sweep fails those jobs once they have
// gone quiet past the stage deadline.
package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mediamon/internal/repository"
)

// Runner periodically fails jobs stuck in a processing status.
type Runner struct {
	jobs     repository.JobStore
	deadline time.Duration
	interval time.Duration
	log      *zap.Logger
}

// New constructs a Runner. deadline is how long a job may sit in a
// PROCESSING status without a store write before it is declared dead.
func New(jobs repository.JobStore, deadline, interval time.Duration, log *zap.Logger) *Runner {
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{jobs: jobs, deadline: deadline, interval: interval, log: log}
}

// Sweep runs one pass and returns how many jobs it failed.
func (r *Runner) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.deadline)
	message := fmt.Sprintf("stage exceeded deadline of %s with no progress", r.deadline)
	failed, err := r.jobs.FailStuck(ctx, cutoff, message)
	if err != nil {
		return 0, err
	}
	if failed > 0 {
		r.log.Warn("failed stuck jobs", zap.Int64("count", failed), zap.Time("cutoff", cutoff))
	}
	return failed, nil
}

// Run sweeps on the configured interval until the context is cancelled.
// Store errors are logged and the loop keeps going; a flaky database must
// not kill the one process that recovers stuck jobs.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("sweep ready", zap.Duration("deadline", r.deadline), zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}
