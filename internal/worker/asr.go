package worker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"mediamon/internal/apperrors"
	"mediamon/internal/asr"
	"mediamon/internal/jobfs"
	"mediamon/internal/model"
	"mediamon/internal/queue"
	"mediamon/internal/repository"
	"mediamon/internal/transcript"
)

// AudioExtractor is the slice of the media toolchain the ASR stage needs.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) (int64, error)
}

// ASRStage transcribes uploaded videos: extract mono audio, run the engine,
// write the transcript artifacts, and in FULL mode hand the job to the
// frame stage.
type ASRStage struct {
	jobs     repository.JobStore
	queue    queue.Queue
	engine   asr.Engine
	audio    AudioExtractor
	dataRoot string
	log      *zap.Logger
}

// ASRStageConfig wires an ASRStage.
type ASRStageConfig struct {
	Jobs     repository.JobStore
	Queue    queue.Queue
	Engine   asr.Engine
	Audio    AudioExtractor
	DataRoot string
	Logger   *zap.Logger
}

// NewASRStage constructs the stage.
func NewASRStage(cfg ASRStageConfig) *ASRStage {
	return &ASRStage{
		jobs:     cfg.Jobs,
		queue:    cfg.Queue,
		engine:   cfg.Engine,
		audio:    cfg.Audio,
		dataRoot: cfg.DataRoot,
		log:      cfg.Logger,
	}
}

// Queue implements Stage.
func (s *ASRStage) Queue() string { return queue.Jobs }

// Handle implements Stage.
func (s *ASRStage) Handle(ctx context.Context, payload []byte) {
	var msg queue.JobMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.JobID == "" {
		// Malformed reference: nothing in the store to fail, drop it.
		s.log.Error("discarding malformed job message", zap.Error(err), zap.ByteString("payload", payload))
		return
	}
	mode := msg.AnalysisMode
	if !mode.Valid() {
		mode = model.ModeTextOnly
	}
	log := s.log.With(zap.String("job_id", msg.JobID), zap.String("mode", string(mode)))
	layout := jobfs.New(s.dataRoot, msg.JobID)

	// Phase 1: acquire & mark. Fails closed: an unknown job or a rejected
	// transition abandons the message without downstream work.
	if err := s.jobs.MarkASRStarted(ctx, msg.JobID); err != nil {
		log.Warn("abandoning job message", zap.Error(err))
		return
	}
	log.Info("transcription started")

	// Phase 2: transform. No store mutation until it completes or fails.
	audioBytes, segCount, err := s.transform(ctx, layout)
	if err != nil {
		s.failJob(ctx, msg.JobID, layout, err, log)
		return
	}

	// Phase 3: commit.
	if err := s.jobs.MarkASRDone(ctx, msg.JobID, audioBytes); err != nil {
		s.failJob(ctx, msg.JobID, layout, err, log)
		return
	}
	log.Info("transcription done", zap.Int64("audio_bytes", audioBytes), zap.Int("segments", segCount))

	if mode == model.ModeFull {
		if err := queue.PushFrames(ctx, s.queue, msg.JobID); err != nil {
			// The job is committed as ASR_DONE; losing the handoff leaves
			// it without frames rather than failed.
			log.Error("stage-2 enqueue failed", zap.Error(err))
		}
	}
}

func (s *ASRStage) transform(ctx context.Context, layout jobfs.Layout) (int64, int, error) {
	videoPath, err := layout.FindVideo()
	if err != nil {
		return 0, 0, err
	}
	audioBytes, err := s.audio.ExtractAudio(ctx, videoPath, layout.AudioPath())
	if err != nil {
		return 0, 0, err
	}
	segs, meta, err := s.engine.Transcribe(ctx, layout.AudioPath())
	if err != nil {
		return 0, 0, err
	}
	if err := transcript.WriteArtifacts(layout.ArtifactsDir(), segs, meta); err != nil {
		return 0, 0, err
	}
	return audioBytes, len(segs), nil
}

func (s *ASRStage) failJob(ctx context.Context, jobID string, layout jobfs.Layout, cause error, log *zap.Logger) {
	code := apperrors.CodeOf(cause)
	log.Error("transcription failed", zap.String("error_code", string(code)), zap.Error(cause))
	layout.CleanupScratch()
	if err := s.jobs.MarkFailed(ctx, jobID, code, cause.Error()); err != nil {
		log.Error("could not record failure", zap.Error(err))
	}
}
