// Package repository wraps all job-store and quota-ledger access. The job
// state machine lives here: every transition is one conditional write that
// validates the stored status, stamps the stage timestamp, and applies its
// auxiliary fields atomically. total_bytes is never written independently;
// each mutation recomputes it from audio_bytes + frames_bytes.
package repository

import (
	"context"
	"time"

	"mediamon/internal/apperrors"
	"mediamon/internal/model"
)

// JobStore is the single source of truth for job lifecycle state.
//
// Transition methods reject with a STATE_CONFLICT error when the stored
// status is not an allowed predecessor, and NOT_FOUND when the job does not
// exist. FAILED is sticky: no transition method accepts a failed job.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)

	// MarkASRStarted moves UPLOADING -> PROCESSING_ASR.
	MarkASRStarted(ctx context.Context, id string) error
	// MarkASRDone moves PROCESSING_ASR -> ASR_DONE, recording the audio
	// byte count and the transcript flag.
	MarkASRDone(ctx context.Context, id string, audioBytes int64) error
	// MarkFramesStarted moves ASR_DONE -> PROCESSING_FRAMES. It refuses
	// jobs whose frames already exist: ASR_DONE is re-entered after the
	// frame stage, so has_frames guards against redelivered messages.
	MarkFramesStarted(ctx context.Context, id string) error
	// MarkFramesDone moves PROCESSING_FRAMES -> ASR_DONE, recording frame
	// bytes, artifact flags, and the retention horizon.
	MarkFramesDone(ctx context.Context, id string, framesBytes int64, hasCover bool, expiresAt time.Time) error
	// MarkFailed moves any non-terminal status -> FAILED with a classified
	// code and bounded message.
	MarkFailed(ctx context.Context, id string, code apperrors.Code, message string) error

	// FailStuck fails jobs sitting in a PROCESSING status with no write
	// since the cutoff. This is the liveness sweep behind the at-most-once
	// queue handoff.
	FailStuck(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// QuotaStore is the per-user storage ledger. Records are lazy: Get on a
// missing user reports the full default allowance, and Charge creates the
// row on first use. Charge must be atomic per user; it is the one genuinely
// contended write in the system.
type QuotaStore interface {
	Get(ctx context.Context, userID string) (model.Quota, error)
	Charge(ctx context.Context, userID string, delta int64) error
}
