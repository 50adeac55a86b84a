package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediamon/internal/apperrors"
	"mediamon/internal/frames"
	"mediamon/internal/jobfs"
	"mediamon/internal/model"
	"mediamon/internal/queue"
	"mediamon/internal/repository"
	"mediamon/internal/transcript"
)

type fakeAudio struct {
	bytes int64
	err   error
}

func (f *fakeAudio) ExtractAudio(_ context.Context, _, audioPath string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(audioPath, make([]byte, int(f.bytes)), 0o644); err != nil {
		return 0, err
	}
	return f.bytes, nil
}

type fakeEngine struct {
	segs []transcript.Segment
	meta transcript.Meta
	err  error
}

func (f *fakeEngine) Transcribe(context.Context, string) ([]transcript.Segment, transcript.Meta, error) {
	if f.err != nil {
		return nil, transcript.Meta{}, f.err
	}
	return f.segs, f.meta, nil
}

type fakeFrameTools struct {
	duration   float64
	frameCount int
	frameSize  int
	extractErr error
	extracted  bool
}

func (f *fakeFrameTools) Duration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func (f *fakeFrameTools) ExtractFrames(_ context.Context, _, framesDir string, _ int) (int64, error) {
	f.extracted = true
	if f.extractErr != nil {
		return 0, f.extractErr
	}
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return 0, err
	}
	var total int64
	for i := 1; i <= f.frameCount; i++ {
		name := filepath.Join(framesDir, fmt.Sprintf("%06d.jpg", i))
		if err := os.WriteFile(name, make([]byte, f.frameSize), 0o644); err != nil {
			return 0, err
		}
		total += int64(f.frameSize)
	}
	return total, nil
}

func fakeCoverMaker(_, coverPath, thumbPath string) error {
	for _, path := range []string{coverPath, thumbPath} {
		if err := os.WriteFile(path, []byte("jpg"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type asrFixture struct {
	store    *repository.MemoryJobStore
	queue    *queue.MemoryQueue
	stage    *ASRStage
	dataRoot string
}

func newASRFixture(t *testing.T, engine *fakeEngine, audio *fakeAudio) *asrFixture {
	t.Helper()
	f := &asrFixture{
		store:    repository.NewMemoryJobStore(),
		queue:    queue.NewMemoryQueue(),
		dataRoot: t.TempDir(),
	}
	f.stage = NewASRStage(ASRStageConfig{
		Jobs:     f.store,
		Queue:    f.queue,
		Engine:   engine,
		Audio:    audio,
		DataRoot: f.dataRoot,
		Logger:   zap.NewNop(),
	})
	return f
}

func (f *asrFixture) seedJob(t *testing.T, mode model.AnalysisMode) *model.Job {
	t.Helper()
	job := &model.Job{ID: "job1", UserID: "u1", AnalysisMode: mode}
	require.NoError(t, f.store.Create(context.Background(), job))
	layout := jobfs.New(f.dataRoot, job.ID)
	require.NoError(t, layout.EnsureCreated())
	require.NoError(t, os.WriteFile(layout.RawVideoPath(), []byte("video"), 0o644))
	return job
}

func jobMessage(t *testing.T, id string, mode model.AnalysisMode) []byte {
	t.Helper()
	data, err := json.Marshal(queue.JobMessage{JobID: id, AnalysisMode: mode})
	require.NoError(t, err)
	return data
}

func TestASRStageTextOnlySuccess(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{
		segs: []transcript.Segment{{Start: 0, End: 2, Text: "hi"}},
		meta: transcript.Meta{Language: "th", Probability: 0.9, Duration: 2},
	}
	f := newASRFixture(t, engine, &fakeAudio{bytes: 2048})
	f.seedJob(t, model.ModeTextOnly)

	f.stage.Handle(ctx, jobMessage(t, "job1", model.ModeTextOnly))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusASRDone, job.Status)
	assert.True(t, job.HasTranscript)
	assert.EqualValues(t, 2048, job.AudioBytes)
	assert.EqualValues(t, 2048, job.TotalBytes)
	assert.Empty(t, job.ErrorCode)

	layout := jobfs.New(f.dataRoot, "job1")
	for _, name := range []string{transcript.JSONName, transcript.TextName, transcript.SRTName} {
		_, err := os.Stat(filepath.Join(layout.ArtifactsDir(), name))
		assert.NoError(t, err, name)
	}
	// TEXT_ONLY never reaches stage 2.
	assert.Equal(t, 0, f.queue.Len(queue.Frames))
}

func TestASRStageFullModeEnqueuesFrames(t *testing.T) {
	ctx := context.Background()
	f := newASRFixture(t, &fakeEngine{}, &fakeAudio{bytes: 10})
	f.seedJob(t, model.ModeFull)

	f.stage.Handle(ctx, jobMessage(t, "job1", model.ModeFull))

	require.Equal(t, 1, f.queue.Len(queue.Frames))
	payload, err := f.queue.Pop(ctx, queue.Frames, time.Second)
	require.NoError(t, err)
	var msg queue.FrameMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "job1", msg.JobID)
}

func TestASRStageTransformFailure(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{err: apperrors.ExternalTool(errors.New("cuda oom"), "transcription")}
	f := newASRFixture(t, engine, &fakeAudio{bytes: 10})
	f.seedJob(t, model.ModeFull)

	f.stage.Handle(ctx, jobMessage(t, "job1", model.ModeFull))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, string(apperrors.CodeExternalTool), job.ErrorCode)
	assert.NotEmpty(t, job.ErrorMessage)

	// Scratch space is removed on failure.
	layout := jobfs.New(f.dataRoot, "job1")
	_, err = os.Stat(layout.AudioDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(layout.FramesDir())
	assert.True(t, os.IsNotExist(err))
	// The raw upload survives.
	_, err = os.Stat(layout.RawVideoPath())
	assert.NoError(t, err)

	assert.Equal(t, 0, f.queue.Len(queue.Frames))
}

func TestASRStageMissingRawVideo(t *testing.T) {
	ctx := context.Background()
	f := newASRFixture(t, &fakeEngine{}, &fakeAudio{bytes: 10})
	job := &model.Job{ID: "job1", UserID: "u1", AnalysisMode: model.ModeTextOnly}
	require.NoError(t, f.store.Create(ctx, job))

	f.stage.Handle(ctx, jobMessage(t, "job1", model.ModeTextOnly))

	got, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, string(apperrors.CodeNotFound), got.ErrorCode)
}

func TestASRStageAbandonsUnknownJob(t *testing.T) {
	f := newASRFixture(t, &fakeEngine{}, &fakeAudio{bytes: 10})
	// No job row exists; the message is abandoned without downstream work.
	f.stage.Handle(context.Background(), jobMessage(t, "ghost", model.ModeFull))
	assert.Equal(t, 0, f.queue.Len(queue.Frames))
}

func TestASRStageDiscardsMalformedPayload(t *testing.T) {
	f := newASRFixture(t, &fakeEngine{}, &fakeAudio{bytes: 10})
	f.stage.Handle(context.Background(), []byte("{not json"))
	f.stage.Handle(context.Background(), []byte(`{"analysis_mode":"FULL"}`))
}

type visionFixture struct {
	store    *repository.MemoryJobStore
	quotas   *repository.MemoryQuotaStore
	tools    *fakeFrameTools
	stage    *VisionStage
	dataRoot string
}

func newVisionFixture(t *testing.T, tools *fakeFrameTools, quotaLimit int64) *visionFixture {
	t.Helper()
	f := &visionFixture{
		store:    repository.NewMemoryJobStore(),
		quotas:   repository.NewMemoryQuotaStore(quotaLimit),
		tools:    tools,
		dataRoot: t.TempDir(),
	}
	f.stage = NewVisionStage(VisionStageConfig{
		Jobs:             f.store,
		Quotas:           f.quotas,
		Tools:            tools,
		DataRoot:         f.dataRoot,
		FrameInterval:    5,
		EstBytesPerFrame: 100,
		FramesRetention:  365 * 24 * time.Hour,
		Logger:           zap.NewNop(),
	}).WithCoverMaker(fakeCoverMaker)
	return f
}

// seedASRDone walks a FULL job to ASR_DONE so the vision stage can claim it.
func (f *visionFixture) seedASRDone(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ID: "job1", UserID: "u1", AnalysisMode: model.ModeFull}
	require.NoError(t, f.store.Create(ctx, job))
	require.NoError(t, f.store.MarkASRStarted(ctx, "job1"))
	require.NoError(t, f.store.MarkASRDone(ctx, "job1", 1000))

	layout := jobfs.New(f.dataRoot, "job1")
	require.NoError(t, layout.EnsureCreated())
	require.NoError(t, os.WriteFile(layout.RawVideoPath(), []byte("video"), 0o644))
}

func frameMessage(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(queue.FrameMessage{JobID: id})
	require.NoError(t, err)
	return data
}

func TestVisionStageSuccess(t *testing.T) {
	ctx := context.Background()
	tools := &fakeFrameTools{duration: 30, frameCount: 6, frameSize: 50}
	f := newVisionFixture(t, tools, 1_000_000)
	f.seedASRDone(t)

	f.stage.Handle(ctx, frameMessage(t, "job1"))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusASRDone, job.Status)
	assert.True(t, job.HasFrames)
	assert.True(t, job.HasCover)
	assert.EqualValues(t, 300, job.FramesBytes)
	assert.EqualValues(t, 1300, job.TotalBytes)
	require.NotNil(t, job.FramesDoneAt)
	require.NotNil(t, job.FramesExpiresAt)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *job.FramesExpiresAt, time.Minute)

	layout := jobfs.New(f.dataRoot, "job1")
	data, err := os.ReadFile(filepath.Join(layout.ArtifactsDir(), frames.IndexName))
	require.NoError(t, err)
	var index []frames.IndexEntry
	require.NoError(t, json.Unmarshal(data, &index))
	require.Len(t, index, 6)
	assert.Equal(t, 25, index[5].TimestampSec)
	assert.Equal(t, "00:25", index[5].TimestampStr)

	for _, name := range []string{frames.CoverName, frames.ThumbName} {
		_, err := os.Stat(filepath.Join(layout.ArtifactsDir(), name))
		assert.NoError(t, err, name)
	}

	quota, err := f.quotas.Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, quota.UsageBytes)
}

func TestVisionStageQuotaPreCheck(t *testing.T) {
	ctx := context.Background()
	// 30s / 5s interval = 6 frames * 100 bytes estimated = 600 > 100 left.
	tools := &fakeFrameTools{duration: 30, frameCount: 6, frameSize: 50}
	f := newVisionFixture(t, tools, 1000)
	f.quotas.SetUsage("u1", 1000, 900)
	f.seedASRDone(t)

	f.stage.Handle(ctx, frameMessage(t, "job1"))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, string(apperrors.CodeQuotaExceeded), job.ErrorCode)
	assert.False(t, tools.extracted, "estimate rejection must precede extraction")

	quota, err := f.quotas.Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 900, quota.UsageBytes)
}

func TestVisionStageQuotaPostCheck(t *testing.T) {
	ctx := context.Background()
	// Estimate passes (1 frame * 100 bytes <= 500 left) but the actual
	// output of 6*200=1200 bytes exceeds the pre-transform remainder.
	tools := &fakeFrameTools{duration: 5, frameCount: 6, frameSize: 200}
	f := newVisionFixture(t, tools, 1000)
	f.quotas.SetUsage("u1", 1000, 500)
	f.seedASRDone(t)

	f.stage.Handle(ctx, frameMessage(t, "job1"))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, string(apperrors.CodeQuotaExceeded), job.ErrorCode)

	// The over-quota frames are discarded, not partially retained.
	layout := jobfs.New(f.dataRoot, "job1")
	_, err = os.Stat(layout.FramesDir())
	assert.True(t, os.IsNotExist(err))

	quota, err := f.quotas.Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, quota.UsageBytes, "no charge on a discarded transform")
}

func TestVisionStageRedeliveryDoesNotDoubleCharge(t *testing.T) {
	ctx := context.Background()
	tools := &fakeFrameTools{duration: 30, frameCount: 6, frameSize: 50}
	f := newVisionFixture(t, tools, 1_000_000)
	f.seedASRDone(t)

	f.stage.Handle(ctx, frameMessage(t, "job1"))
	f.stage.Handle(ctx, frameMessage(t, "job1"))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusASRDone, job.Status)

	quota, err := f.quotas.Get(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, quota.UsageBytes, "redelivery must not double-charge")
}

func TestVisionStageExtractionFailure(t *testing.T) {
	ctx := context.Background()
	tools := &fakeFrameTools{duration: 30, extractErr: apperrors.ExternalTool(errors.New("corrupt input"), "ffmpeg frame extract")}
	f := newVisionFixture(t, tools, 1_000_000)
	f.seedASRDone(t)

	f.stage.Handle(ctx, frameMessage(t, "job1"))

	job, err := f.store.Get(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	assert.Equal(t, string(apperrors.CodeExternalTool), job.ErrorCode)
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &fakeEngine{}
	f := newASRFixture(t, engine, &fakeAudio{bytes: 10})
	f.seedJob(t, model.ModeTextOnly)

	w := New(f.queue, f.stage, 10*time.Millisecond, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, queue.PushJob(ctx, f.queue, "job1", model.ModeTextOnly))

	require.Eventually(t, func() bool {
		job, err := f.store.Get(context.Background(), "job1")
		return err == nil && job.Status == model.StatusASRDone
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
