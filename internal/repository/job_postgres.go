package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediamon/internal/apperrors"
	"mediamon/internal/model"
)

// PostgresJobStore implements JobStore on pgx.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresJobStore constructs a PostgresJobStore.
func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

const jobColumns = `id, user_id, status, analysis_mode,
	audio_bytes, frames_bytes, total_bytes,
	has_transcript, has_frames, has_cover,
	asr_started_at, asr_done_at, frames_started_at, frames_done_at, frames_expires_at,
	error_code, error_message, created_at, updated_at`

// Create inserts the job in UPLOADING state.
func (s *PostgresJobStore) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.StatusUploading
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_jobs (id, user_id, status, analysis_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.UserID, job.Status, job.AnalysisMode, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return apperrors.Persistence(err, "insert job %s", job.ID)
	}
	return nil
}

// Get returns a job by id.
func (s *PostgresJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("job %s not found", id)
		}
		return nil, apperrors.Persistence(err, "select job %s", id)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job       model.Job
		errCode   sql.NullString
		errMsg    sql.NullString
		asrStart  sql.NullTime
		asrDone   sql.NullTime
		frStart   sql.NullTime
		frDone    sql.NullTime
		frExpires sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.UserID, &job.Status, &job.AnalysisMode,
		&job.AudioBytes, &job.FramesBytes, &job.TotalBytes,
		&job.HasTranscript, &job.HasFrames, &job.HasCover,
		&asrStart, &asrDone, &frStart, &frDone, &frExpires,
		&errCode, &errMsg, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.ASRStartedAt = nullTime(asrStart)
	job.ASRDoneAt = nullTime(asrDone)
	job.FramesStartedAt = nullTime(frStart)
	job.FramesDoneAt = nullTime(frDone)
	job.FramesExpiresAt = nullTime(frExpires)
	if errCode.Valid {
		job.ErrorCode = errCode.String
	}
	if errMsg.Valid {
		job.ErrorMessage = errMsg.String
	}
	return &job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// MarkASRStarted moves UPLOADING -> PROCESSING_ASR.
func (s *PostgresJobStore) MarkASRStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, asr_started_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, model.StatusProcessingASR, now, id, model.StatusUploading)
	if err != nil {
		return apperrors.Persistence(err, "mark asr started %s", id)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.StatusProcessingASR)
}

// MarkASRDone moves PROCESSING_ASR -> ASR_DONE with the audio byte count.
func (s *PostgresJobStore) MarkASRDone(ctx context.Context, id string, audioBytes int64) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, audio_bytes = $2, total_bytes = $2 + frames_bytes,
		    has_transcript = TRUE, asr_done_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`, model.StatusASRDone, audioBytes, now, id, model.StatusProcessingASR)
	if err != nil {
		return apperrors.Persistence(err, "mark asr done %s", id)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.StatusASRDone)
}

// MarkFramesStarted moves ASR_DONE -> PROCESSING_FRAMES, guarded by
// has_frames so a redelivered message cannot restart a finished stage.
func (s *PostgresJobStore) MarkFramesStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, frames_started_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND has_frames = FALSE
	`, model.StatusProcessingFrames, now, id, model.StatusASRDone)
	if err != nil {
		return apperrors.Persistence(err, "mark frames started %s", id)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.StatusProcessingFrames)
}

// MarkFramesDone moves PROCESSING_FRAMES back to ASR_DONE with frame
// accounting and the retention horizon.
func (s *PostgresJobStore) MarkFramesDone(ctx context.Context, id string, framesBytes int64, hasCover bool, expiresAt time.Time) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, frames_bytes = $2, total_bytes = audio_bytes + $2,
		    has_frames = TRUE, has_cover = $3,
		    frames_done_at = $4, frames_expires_at = $5, updated_at = $4
		WHERE id = $6 AND status = $7
	`, model.StatusASRDone, framesBytes, hasCover, now, expiresAt.UTC(), id, model.StatusProcessingFrames)
	if err != nil {
		return apperrors.Persistence(err, "mark frames done %s", id)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.StatusASRDone)
}

// MarkFailed moves any non-terminal status to FAILED. FAILED is sticky.
func (s *PostgresJobStore) MarkFailed(ctx context.Context, id string, code apperrors.Code, message string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, error_code = $2, error_message = $3, updated_at = $4
		WHERE id = $5 AND status <> $1
	`, model.StatusFailed, string(code), apperrors.Truncate(message), now, id)
	if err != nil {
		return apperrors.Persistence(err, "mark failed %s", id)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.StatusFailed)
}

// FailStuck fails PROCESSING jobs with no write since the cutoff.
func (s *PostgresJobStore) FailStuck(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = $1, error_code = $2, error_message = $3, updated_at = $4
		WHERE status = ANY($5) AND updated_at < $6
	`, model.StatusFailed, string(apperrors.CodeExternalTool), apperrors.Truncate(message), now,
		[]string{string(model.StatusProcessingASR), string(model.StatusProcessingFrames)}, cutoff.UTC())
	if err != nil {
		return 0, apperrors.Persistence(err, "fail stuck jobs")
	}
	return tag.RowsAffected(), nil
}

// checkTransition turns a zero-row conditional update into the right
// taxonomy error.
func (s *PostgresJobStore) checkTransition(ctx context.Context, rows int64, id string, target model.JobStatus) error {
	if rows > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.StateConflict("job %s is %s, cannot enter %s", id, job.Status, target)
}
