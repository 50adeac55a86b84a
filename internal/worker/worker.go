// Package worker implements the stage consumption protocol: a bounded-poll
// loop over one stage queue, with per-job processing in three phases:
// acquire & mark, transform, commit. One worker instance handles one job at
// a time; throughput comes from running more instances.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mediamon/internal/queue"
)

// Stage handles decoded messages for one pipeline stage.
type Stage interface {
	// Queue names the stage's queue.
	Queue() string
	// Handle processes one popped message. Failures are terminal for the
	// job and are absorbed here; the loop never retries a message.
	Handle(ctx context.Context, payload []byte)
}

// Worker drives a Stage against its queue.
type Worker struct {
	queue       queue.Queue
	stage       Stage
	pollTimeout time.Duration
	log         *zap.Logger
}

// New constructs a Worker.
func New(q queue.Queue, stage Stage, pollTimeout time.Duration, log *zap.Logger) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Worker{queue: q, stage: stage, pollTimeout: pollTimeout, log: log}
}

// Run blocks until the context is cancelled. Poll timeouts are the idle
// heartbeat, not failures.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker ready", zap.String("queue", w.stage.Queue()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := w.queue.Pop(ctx, w.stage.Queue(), w.pollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("queue pop failed", zap.String("queue", w.stage.Queue()), zap.Error(err))
			// Back off so a broken queue does not spin the loop.
			select {
			case <-time.After(w.pollTimeout):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		w.stage.Handle(ctx, payload)
	}
}
