// Package jobfs owns the on-disk layout of a job: raw/ holds the original
// upload, audio/ and frames/ are stage scratch space, artifacts/ holds the
// durable outputs.
package jobfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediamon/internal/apperrors"
)

// RawVideoName is the canonical filename the ingest service writes the
// upload to. FindVideo still accepts any known extension so jobs seeded out
// of band keep working.
const RawVideoName = "video.mp4"

var videoExtensions = []string{".mp4", ".webm", ".mov", ".avi", ".mkv", ".m4v", ".flv", ".wmv"}

// Layout resolves paths under one job's directory.
type Layout struct {
	root  string
	jobID string
}

// New returns the layout for a job under the data root.
func New(dataRoot, jobID string) Layout {
	return Layout{root: dataRoot, jobID: jobID}
}

func (l Layout) Dir() string          { return filepath.Join(l.root, l.jobID) }
func (l Layout) RawDir() string       { return filepath.Join(l.Dir(), "raw") }
func (l Layout) AudioDir() string     { return filepath.Join(l.Dir(), "audio") }
func (l Layout) FramesDir() string    { return filepath.Join(l.Dir(), "frames") }
func (l Layout) ArtifactsDir() string { return filepath.Join(l.Dir(), "artifacts") }

// RawVideoPath is where the ingest service streams the upload.
func (l Layout) RawVideoPath() string { return filepath.Join(l.RawDir(), RawVideoName) }

// AudioPath is the mono WAV the ASR stage extracts.
func (l Layout) AudioPath() string { return filepath.Join(l.AudioDir(), "audio.wav") }

// EnsureCreated makes the raw and artifacts directories for a new job.
func (l Layout) EnsureCreated() error {
	for _, dir := range []string{l.RawDir(), l.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create job dir %s: %w", dir, err)
		}
	}
	return nil
}

// FindVideo locates the uploaded video in raw/, whatever its extension.
func (l Layout) FindVideo() (string, error) {
	entries, err := os.ReadDir(l.RawDir())
	if err != nil {
		return "", apperrors.NotFound("no raw directory for job %s", l.jobID)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		for _, ext := range videoExtensions {
			if strings.HasSuffix(name, ext) {
				return filepath.Join(l.RawDir(), entry.Name()), nil
			}
		}
	}
	return "", apperrors.NotFound("no video file in raw directory for job %s", l.jobID)
}

// CleanupScratch removes the audio/ and frames/ scratch directories. Called
// on stage failure; artifacts/ and raw/ from completed stages are never
// touched.
func (l Layout) CleanupScratch() {
	for _, dir := range []string{l.AudioDir(), l.FramesDir()} {
		_ = os.RemoveAll(dir)
	}
}

// ArtifactPath resolves a named artifact inside artifacts/, rejecting any
// name that would escape the directory.
func (l Layout) ArtifactPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", apperrors.Validation("invalid artifact name %q", name)
	}
	return filepath.Join(l.ArtifactsDir(), name), nil
}
