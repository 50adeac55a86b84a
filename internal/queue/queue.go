// Package queue is the handoff signal between pipeline stages. Messages
// carry only the job reference; the job row remains the source of truth.
// Delivery is at-most-once: a pop removes the message atomically, and a
// worker crash between pop and commit loses it; the liveness sweep turns
// the resulting stuck job into a visible failure.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediamon/internal/model"
)

const (
	// Jobs is the stage-1 queue feeding the ASR worker.
	Jobs = "queue:jobs"
	// Frames is the stage-2 queue feeding the vision worker.
	Frames = "queue:frames"
)

// ErrEmpty is returned by Pop when the poll timeout expires with no message.
// It is the idle heartbeat of the worker loop, not a failure.
var ErrEmpty = errors.New("queue empty")

// JobMessage is the stage-1 payload.
type JobMessage struct {
	JobID        string             `json:"job_id"`
	AnalysisMode model.AnalysisMode `json:"analysis_mode"`
}

// FrameMessage is the stage-2 payload.
type FrameMessage struct {
	JobID string `json:"job_id"`
}

// Queue is a FIFO channel per stage with blocking pop.
type Queue interface {
	// Push appends a JSON-encoded message to the named queue.
	Push(ctx context.Context, name string, payload any) error
	// Pop blocks up to timeout for the oldest message. Expiry returns
	// ErrEmpty. A successful pop removes the message atomically; no two
	// consumers receive the same message.
	Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error)
}

// PushJob enqueues the stage-1 message for a newly uploaded job.
func PushJob(ctx context.Context, q Queue, jobID string, mode model.AnalysisMode) error {
	if err := q.Push(ctx, Jobs, JobMessage{JobID: jobID, AnalysisMode: mode}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// PushFrames enqueues the stage-2 message after a FULL-mode transcription.
func PushFrames(ctx context.Context, q Queue, jobID string) error {
	if err := q.Push(ctx, Frames, FrameMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("enqueue frames for job %s: %w", jobID, err)
	}
	return nil
}

func encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
