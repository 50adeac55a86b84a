// Package api hosts the ingest service: job creation, the streaming upload
// endpoint, job and quota reads, and signed artifact downloads. The API only
// ever creates jobs and reads state; every later transition belongs to the
// stage workers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediamon/internal/apperrors"
	"mediamon/internal/config"
	"mediamon/internal/jobfs"
	"mediamon/internal/model"
	"mediamon/internal/queue"
	"mediamon/internal/repository"
	"mediamon/internal/signing"
)

// userHeader carries the caller identity. There is no session layer; an
// absent header maps every request onto the shared anonymous allowance.
const userHeader = "X-User-ID"

const anonymousUser = "anonymous"

// Server stitches together the store, the queue, and the signer behind the
// HTTP surface.
type Server struct {
	cfg    *config.Config
	jobs   repository.JobStore
	quotas repository.QuotaStore
	queue  queue.Queue
	signer *signing.Signer
	log    *zap.Logger
}

// New creates a configured server.
func New(cfg *config.Config, jobs repository.JobStore, quotas repository.QuotaStore, q queue.Queue, signer *signing.Signer, log *zap.Logger) *Server {
	return &Server{cfg: cfg, jobs: jobs, quotas: quotas, queue: q, signer: signer, log: log}
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("address", s.cfg.Address))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{jobID}/upload", s.handleUpload)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/artifacts/{name}/url", s.handleArtifactURL)
		r.Get("/jobs/{jobID}/artifacts/{name}", s.handleArtifact)
		r.Get("/quota", s.handleQuota)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	AnalysisMode model.AnalysisMode `json:"analysis_mode"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, apperrors.Validation("malformed request body"))
		return
	}
	mode := req.AnalysisMode
	if mode == "" {
		mode = model.ModeTextOnly
	}
	if !mode.Valid() {
		s.respondError(w, apperrors.Validation("unknown analysis_mode %q", req.AnalysisMode))
		return
	}

	job := &model.Job{
		ID:           uuid.NewString(),
		UserID:       userID(r),
		AnalysisMode: mode,
	}
	if err := s.jobs.Create(r.Context(), job); err != nil {
		s.respondError(w, err)
		return
	}
	if err := jobfs.New(s.cfg.DataRoot, job.ID).EnsureCreated(); err != nil {
		s.respondError(w, apperrors.Persistence(err, "prepare job directory"))
		return
	}
	s.respondJSON(w, http.StatusCreated, job)
}

// handleUpload streams the request body into the job's raw directory,
// enforcing the caller's remaining quota incrementally so an oversized upload
// is cut off mid-stream instead of after the disk fills. The upload itself is
// never charged to the ledger; only stage workers write there.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.Status != model.StatusUploading {
		s.respondError(w, apperrors.StateConflict("job %s is %s, upload window closed", jobID, job.Status))
		return
	}
	if job.UserID != userID(r) {
		s.respondError(w, apperrors.NotFound("job %s not found", jobID))
		return
	}

	quota, err := s.quotas.Get(r.Context(), job.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	remaining := quota.Remaining()

	layout := jobfs.New(s.cfg.DataRoot, jobID)
	if err := layout.EnsureCreated(); err != nil {
		s.respondError(w, apperrors.Persistence(err, "prepare job directory"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	written, err := s.persistUpload(layout.RawVideoPath(), r.Body, remaining)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if err := queue.PushJob(r.Context(), s.queue, jobID, job.AnalysisMode); err != nil {
		// The bytes are on disk but no worker will ever see the job. Surface
		// the failure so the client can retry the upload.
		_ = os.Remove(layout.RawVideoPath())
		s.respondError(w, apperrors.Persistence(err, "enqueue job"))
		return
	}
	s.log.Info("upload accepted",
		zap.String("job_id", jobID),
		zap.String("user_id", job.UserID),
		zap.Int64("raw_bytes", written))
	s.respondJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID,
		"status":    "UPLOADED",
		"raw_bytes": written,
	})
}

// persistUpload copies body to path, failing once more than remaining bytes
// arrive. Partial files are removed on every failure path.
func (s *Server) persistUpload(path string, body io.Reader, remaining int64) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, apperrors.Persistence(err, "create upload file")
	}
	defer dst.Close()

	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > remaining {
				os.Remove(path)
				return 0, apperrors.QuotaExceeded(
					"upload exceeds remaining quota of %d bytes", remaining)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				os.Remove(path)
				return 0, apperrors.Persistence(err, "write upload")
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			os.Remove(path)
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return 0, apperrors.Validation("upload exceeds limit of %d bytes", maxErr.Limit)
			}
			return 0, apperrors.Persistence(readErr, "read upload")
		}
	}
	if written == 0 {
		os.Remove(path)
		return 0, apperrors.Validation("empty upload body")
	}
	return written, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.UserID != userID(r) {
		s.respondError(w, apperrors.NotFound("job %s not found", jobID))
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	quota, err := s.quotas.Get(r.Context(), uid)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":         uid,
		"limit_bytes":     quota.LimitBytes,
		"usage_bytes":     quota.UsageBytes,
		"remaining_bytes": quota.Remaining(),
	})
}

// handleArtifactURL mints a short-lived signed URL for one artifact. The
// caller must own the job; the minted URL then works without identity.
func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	name := chi.URLParam(r, "name")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.UserID != userID(r) {
		s.respondError(w, apperrors.NotFound("job %s not found", jobID))
		return
	}
	if _, err := jobfs.New(s.cfg.DataRoot, jobID).ArtifactPath(name); err != nil {
		s.respondError(w, err)
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(jobID, name, expires)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"url": "/api/v1/jobs/" + jobID + "/artifacts/" + name +
			"?expires=" + strconv.FormatInt(expires, 10) + "&signature=" + sig,
		"expires": strconv.FormatInt(expires, 10),
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	name := chi.URLParam(r, "name")
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("signature")
	if expires == "" || sig == "" {
		s.respondError(w, apperrors.Validation("missing expires or signature"))
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		s.respondError(w, apperrors.Validation("invalid expires"))
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.signer.Validate(jobID, name, expires, sig) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	path, err := jobfs.New(s.cfg.DataRoot, jobID).ArtifactPath(name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.respondError(w, apperrors.NotFound("artifact %s not found for job %s", name, jobID))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.respondError(w, apperrors.Persistence(err, "stat artifact"))
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func userID(r *http.Request) string {
	if uid := r.Header.Get(userHeader); uid != "" {
		return uid
	}
	return anonymousUser
}

// statusFor maps taxonomy codes onto HTTP statuses.
func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeQuotaExceeded, apperrors.CodeStateConflict:
		return http.StatusConflict
	case apperrors.CodeExternalTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.Persistence(err, "internal error")
	}
	status := statusFor(appErr.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{
		"error_code": string(appErr.Code),
		"error":      appErr.Message,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response failed", zap.Error(err))
	}
}
