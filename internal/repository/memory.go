package repository

import (
	"context"
	"sync"
	"time"

	"mediamon/internal/apperrors"
	"mediamon/internal/model"
)

// MemoryJobStore is a mutex-guarded JobStore for tests and dev mode. It
// enforces the same transition preconditions as the Postgres store.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// NewMemoryJobStore constructs an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.Job)}
}

// Create inserts the job in UPLOADING state.
func (m *MemoryJobStore) Create(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return apperrors.Persistence(nil, "job %s already exists", job.ID)
	}
	now := time.Now().UTC()
	job.Status = model.StatusUploading
	job.CreatedAt = now
	job.UpdatedAt = now
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

// Get returns a copy of the job.
func (m *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

// transition applies mutate under the lock when the stored status is the
// expected predecessor and extra preconditions hold.
func (m *MemoryJobStore) transition(id string, from, to model.JobStatus, guard func(*model.Job) bool, mutate func(*model.Job, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job %s not found", id)
	}
	if job.Status != from || (guard != nil && !guard(job)) {
		return apperrors.StateConflict("job %s is %s, cannot enter %s", id, job.Status, to)
	}
	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	mutate(job, now)
	job.TotalBytes = job.AudioBytes + job.FramesBytes
	return nil
}

// MarkASRStarted moves UPLOADING -> PROCESSING_ASR.
func (m *MemoryJobStore) MarkASRStarted(_ context.Context, id string) error {
	return m.transition(id, model.StatusUploading, model.StatusProcessingASR, nil,
		func(job *model.Job, now time.Time) {
			job.ASRStartedAt = &now
		})
}

// MarkASRDone moves PROCESSING_ASR -> ASR_DONE.
func (m *MemoryJobStore) MarkASRDone(_ context.Context, id string, audioBytes int64) error {
	return m.transition(id, model.StatusProcessingASR, model.StatusASRDone, nil,
		func(job *model.Job, now time.Time) {
			job.AudioBytes = audioBytes
			job.HasTranscript = true
			job.ASRDoneAt = &now
		})
}

// MarkFramesStarted moves ASR_DONE -> PROCESSING_FRAMES when frames do not
// exist yet.
func (m *MemoryJobStore) MarkFramesStarted(_ context.Context, id string) error {
	return m.transition(id, model.StatusASRDone, model.StatusProcessingFrames,
		func(job *model.Job) bool { return !job.HasFrames },
		func(job *model.Job, now time.Time) {
			job.FramesStartedAt = &now
		})
}

// MarkFramesDone moves PROCESSING_FRAMES back to ASR_DONE.
func (m *MemoryJobStore) MarkFramesDone(_ context.Context, id string, framesBytes int64, hasCover bool, expiresAt time.Time) error {
	return m.transition(id, model.StatusProcessingFrames, model.StatusASRDone, nil,
		func(job *model.Job, now time.Time) {
			job.FramesBytes = framesBytes
			job.HasFrames = true
			job.HasCover = hasCover
			job.FramesDoneAt = &now
			exp := expiresAt.UTC()
			job.FramesExpiresAt = &exp
		})
}

// MarkFailed moves any non-terminal status to FAILED.
func (m *MemoryJobStore) MarkFailed(_ context.Context, id string, code apperrors.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job %s not found", id)
	}
	if job.Status == model.StatusFailed {
		return apperrors.StateConflict("job %s is already failed", id)
	}
	job.Status = model.StatusFailed
	job.ErrorCode = string(code)
	job.ErrorMessage = apperrors.Truncate(message)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// FailStuck fails PROCESSING jobs whose last write predates the cutoff.
func (m *MemoryJobStore) FailStuck(_ context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if job.Status.Processing() && job.UpdatedAt.Before(cutoff) {
			job.Status = model.StatusFailed
			job.ErrorCode = string(apperrors.CodeExternalTool)
			job.ErrorMessage = apperrors.Truncate(message)
			job.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// SetUpdatedAt backdates a job's last-write timestamp, for tests.
func (m *MemoryJobStore) SetUpdatedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.UpdatedAt = at.UTC()
	}
}

// MemoryQuotaStore is a mutex-guarded QuotaStore with lazy records.
type MemoryQuotaStore struct {
	mu           sync.Mutex
	defaultLimit int64
	records      map[string]*model.Quota
}

// NewMemoryQuotaStore constructs a MemoryQuotaStore with the given default
// per-user allowance.
func NewMemoryQuotaStore(defaultLimit int64) *MemoryQuotaStore {
	return &MemoryQuotaStore{defaultLimit: defaultLimit, records: make(map[string]*model.Quota)}
}

// Get returns the user's ledger entry or the default allowance.
func (m *MemoryQuotaStore) Get(_ context.Context, userID string) (model.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[userID]; ok {
		return *rec, nil
	}
	return model.Quota{UserID: userID, LimitBytes: m.defaultLimit}, nil
}

// Charge adds delta to the user's usage, creating the record on first use.
func (m *MemoryQuotaStore) Charge(_ context.Context, userID string, delta int64) error {
	if delta < 0 {
		return apperrors.Validation("negative quota charge %d for %s", delta, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		rec = &model.Quota{UserID: userID, LimitBytes: m.defaultLimit}
		m.records[userID] = rec
	}
	rec.UsageBytes += delta
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetUsage seeds a ledger entry, for tests.
func (m *MemoryQuotaStore) SetUsage(userID string, limit, usage int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[userID] = &model.Quota{
		UserID:     userID,
		LimitBytes: limit,
		UsageBytes: usage,
		UpdatedAt:  time.Now().UTC(),
	}
}
