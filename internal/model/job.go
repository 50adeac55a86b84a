// Package model contains the record types shared across the API, the stage
// workers, and the persistence layer.
package model

import (
	"time"
)

// JobStatus describes the lifecycle of an analysis job. The ordering is
// strict: UPLOADING -> PROCESSING_ASR -> ASR_DONE -> PROCESSING_FRAMES ->
// ASR_DONE, with FAILED reachable from every non-terminal state. ASR_DONE is
// deliberately re-entered after frame extraction; downstream aggregation keys
// off that status.
type JobStatus string

const (
	StatusUploading        JobStatus = "UPLOADING"
	StatusProcessingASR    JobStatus = "PROCESSING_ASR"
	StatusASRDone          JobStatus = "ASR_DONE"
	StatusProcessingFrames JobStatus = "PROCESSING_FRAMES"
	StatusFailed           JobStatus = "FAILED"
)

// Terminal reports whether no further pipeline transition is accepted.
func (s JobStatus) Terminal() bool {
	return s == StatusFailed
}

// Processing reports whether a stage worker currently owns the job. Jobs
// stuck in one of these states past the stage deadline are reclaimed by the
// liveness sweep.
func (s JobStatus) Processing() bool {
	return s == StatusProcessingASR || s == StatusProcessingFrames
}

// AnalysisMode selects the pipeline depth, fixed at job creation.
type AnalysisMode string

const (
	// ModeTextOnly stops after transcription.
	ModeTextOnly AnalysisMode = "TEXT_ONLY"
	// ModeFull additionally runs frame sampling after transcription.
	ModeFull AnalysisMode = "FULL"
)

// Valid reports whether m is a known mode.
func (m AnalysisMode) Valid() bool {
	return m == ModeTextOnly || m == ModeFull
}

// Job is one row in the analysis_jobs table and the single source of truth
// for a request's progress, byte accounting, and failure state.
type Job struct {
	ID           string       `json:"job_id"`
	UserID       string       `json:"user_id"`
	Status       JobStatus    `json:"status"`
	AnalysisMode AnalysisMode `json:"analysis_mode"`

	// Byte accounting. TotalBytes is derived: it is recomputed as
	// AudioBytes + FramesBytes inside every write touching either field.
	AudioBytes  int64 `json:"audio_bytes"`
	FramesBytes int64 `json:"frames_bytes"`
	TotalBytes  int64 `json:"total_bytes"`

	HasTranscript bool `json:"has_transcript"`
	HasFrames     bool `json:"has_frames"`
	HasCover      bool `json:"has_cover"`

	ASRStartedAt    *time.Time `json:"asr_started_at,omitempty"`
	ASRDoneAt       *time.Time `json:"asr_done_at,omitempty"`
	FramesStartedAt *time.Time `json:"frames_started_at,omitempty"`
	FramesDoneAt    *time.Time `json:"frames_done_at,omitempty"`
	FramesExpiresAt *time.Time `json:"frames_expires_at,omitempty"`

	// ErrorCode is non-empty if and only if Status == FAILED.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
