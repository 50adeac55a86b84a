package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"mediamon/internal/apperrors"
	"mediamon/internal/frames"
	"mediamon/internal/jobfs"
	"mediamon/internal/media"
	"mediamon/internal/queue"
	"mediamon/internal/repository"
)

// FrameTools is the slice of the media toolchain the vision stage needs.
type FrameTools interface {
	Duration(ctx context.Context, videoPath string) (float64, error)
	ExtractFrames(ctx context.Context, videoPath, framesDir string, intervalSec int) (int64, error)
}

// VisionStage samples frames from FULL-mode videos, builds the frame index,
// produces cover/thumb images, and settles the quota ledger.
type VisionStage struct {
	jobs        repository.JobStore
	quotas      repository.QuotaStore
	tools       FrameTools
	dataRoot    string
	interval    int
	estPerFrame int64
	retention   time.Duration
	log         *zap.Logger

	// makeCover is swappable for tests; production uses the jpeg pipeline.
	makeCover func(framePath, coverPath, thumbPath string) error
}

// VisionStageConfig wires a VisionStage.
type VisionStageConfig struct {
	Jobs             repository.JobStore
	Quotas           repository.QuotaStore
	Tools            FrameTools
	DataRoot         string
	FrameInterval    int
	EstBytesPerFrame int64
	FramesRetention  time.Duration
	Logger           *zap.Logger
}

// NewVisionStage constructs the stage.
func NewVisionStage(cfg VisionStageConfig) *VisionStage {
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = 5
	}
	est := cfg.EstBytesPerFrame
	if est <= 0 {
		est = 50_000
	}
	return &VisionStage{
		jobs:        cfg.Jobs,
		quotas:      cfg.Quotas,
		tools:       cfg.Tools,
		dataRoot:    cfg.DataRoot,
		interval:    interval,
		estPerFrame: est,
		retention:   cfg.FramesRetention,
		log:         cfg.Logger,
		makeCover:   media.WriteCoverAndThumb,
	}
}

// WithCoverMaker swaps the cover/thumb encoder, for tests.
func (s *VisionStage) WithCoverMaker(fn func(framePath, coverPath, thumbPath string) error) *VisionStage {
	s.makeCover = fn
	return s
}

// Queue implements Stage.
func (s *VisionStage) Queue() string { return queue.Frames }

// Handle implements Stage.
func (s *VisionStage) Handle(ctx context.Context, payload []byte) {
	var msg queue.FrameMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.JobID == "" {
		s.log.Error("discarding malformed frame message", zap.Error(err), zap.ByteString("payload", payload))
		return
	}
	log := s.log.With(zap.String("job_id", msg.JobID))
	layout := jobfs.New(s.dataRoot, msg.JobID)

	// Phase 1: acquire & mark. The has_frames guard in the store rejects
	// redelivered messages for finished jobs here, before any work.
	if err := s.jobs.MarkFramesStarted(ctx, msg.JobID); err != nil {
		log.Warn("abandoning frame message", zap.Error(err))
		return
	}
	log.Info("frame extraction started")

	job, err := s.jobs.Get(ctx, msg.JobID)
	if err != nil {
		s.failJob(ctx, msg.JobID, layout, err, log)
		return
	}

	// Phase 2: transform, gated by the quota ledger. The remaining balance
	// is captured once, before extraction; the post-check compares measured
	// bytes against this pre-transform value.
	framesBytes, hasCover, err := s.transform(ctx, layout, job.UserID, log)
	if err != nil {
		s.failJob(ctx, msg.JobID, layout, err, log)
		return
	}

	// Phase 3: commit, then settle the ledger with the measured bytes.
	expires := time.Now().UTC().Add(s.retention)
	if err := s.jobs.MarkFramesDone(ctx, msg.JobID, framesBytes, hasCover, expires); err != nil {
		s.failJob(ctx, msg.JobID, layout, err, log)
		return
	}
	if err := s.quotas.Charge(ctx, job.UserID, framesBytes); err != nil {
		// The job is committed and the artifacts are durable; an uncharged
		// ledger is an operator problem, not a job failure.
		log.Error("quota charge failed", zap.Int64("frames_bytes", framesBytes), zap.Error(err))
	}
	log.Info("frame extraction done", zap.Int64("frames_bytes", framesBytes))
}

func (s *VisionStage) transform(ctx context.Context, layout jobfs.Layout, userID string, log *zap.Logger) (int64, bool, error) {
	videoPath, err := layout.FindVideo()
	if err != nil {
		return 0, false, err
	}

	quota, err := s.quotas.Get(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	remainingBefore := quota.Remaining()

	// Pre-check: one sampled frame per interval at the configured cost
	// factor. A probe failure degrades the estimate to a single frame
	// rather than blocking the job.
	duration, err := s.tools.Duration(ctx, videoPath)
	if err != nil {
		log.Warn("duration probe failed, using minimal estimate", zap.Error(err))
		duration = 0
	}
	estFrames := int64(duration) / int64(s.interval)
	if estFrames < 1 {
		estFrames = 1
	}
	if estBytes := estFrames * s.estPerFrame; estBytes > remainingBefore {
		return 0, false, apperrors.QuotaExceeded(
			"estimated frame output %d bytes exceeds remaining quota %d bytes", estBytes, remainingBefore)
	}

	framesBytes, err := s.tools.ExtractFrames(ctx, videoPath, layout.FramesDir(), s.interval)
	if err != nil {
		return 0, false, err
	}

	// Post-check against the balance captured before extraction.
	if framesBytes > remainingBefore {
		os.RemoveAll(layout.FramesDir())
		return 0, false, apperrors.QuotaExceeded(
			"extracted frames %d bytes exceed remaining quota %d bytes", framesBytes, remainingBefore)
	}

	files, err := frames.ListFrames(layout.FramesDir())
	if err != nil {
		return 0, false, err
	}
	if len(files) == 0 {
		return 0, false, apperrors.ExternalTool(nil, "frame extraction produced no frames")
	}
	if err := frames.WriteIndex(layout.ArtifactsDir(), frames.BuildIndex(files, s.interval)); err != nil {
		return 0, false, err
	}

	hasCover := false
	if mid, ok := frames.MiddleFrame(files); ok {
		err := s.makeCover(
			filepath.Join(layout.FramesDir(), mid),
			filepath.Join(layout.ArtifactsDir(), frames.CoverName),
			filepath.Join(layout.ArtifactsDir(), frames.ThumbName),
		)
		if err != nil {
			return 0, false, err
		}
		hasCover = true
	}
	return framesBytes, hasCover, nil
}

func (s *VisionStage) failJob(ctx context.Context, jobID string, layout jobfs.Layout, cause error, log *zap.Logger) {
	code := apperrors.CodeOf(cause)
	log.Error("frame extraction failed", zap.String("error_code", string(code)), zap.Error(cause))
	layout.CleanupScratch()
	if err := s.jobs.MarkFailed(ctx, jobID, code, cause.Error()); err != nil {
		log.Error("could not record failure", zap.Error(err))
	}
}
