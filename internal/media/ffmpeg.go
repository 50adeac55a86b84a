// Package media wraps the external ffmpeg/ffprobe toolchain. The binaries
// are opaque transforms: bytes in, bytes out, failure classified as an
// external tool error.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"mediamon/internal/apperrors"
)

// CommandRunner executes an external command and returns its combined
// output. Injectable so stage tests run without the real binaries.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Toolchain invokes ffmpeg and ffprobe.
type Toolchain struct {
	ffmpeg  string
	ffprobe string
	runner  CommandRunner
}

// NewToolchain builds a Toolchain around the given binary names.
func NewToolchain(ffmpegBin, ffprobeBin string) *Toolchain {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Toolchain{ffmpeg: ffmpegBin, ffprobe: ffprobeBin, runner: defaultRunner}
}

// WithRunner swaps the command runner, for tests.
func (t *Toolchain) WithRunner(runner CommandRunner) *Toolchain {
	t.runner = runner
	return t
}

// ExtractAudio extracts mono 16 kHz PCM WAV audio from the video and returns
// the resulting file size.
func (t *Toolchain) ExtractAudio(ctx context.Context, videoPath, audioPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		return 0, fmt.Errorf("create audio dir: %w", err)
	}
	args := []string{
		"-y", "-i", videoPath,
		"-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		audioPath,
	}
	if out, err := t.runner(ctx, t.ffmpeg, args...); err != nil {
		return 0, apperrors.ExternalTool(err, "ffmpeg audio extract: %s", tail(out))
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return 0, apperrors.ExternalTool(err, "ffmpeg produced no audio output")
	}
	return info.Size(), nil
}

// ExtractFrames samples one jpg every intervalSec seconds into framesDir and
// returns the total bytes written.
func (t *Toolchain) ExtractFrames(ctx context.Context, videoPath, framesDir string, intervalSec int) (int64, error) {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return 0, fmt.Errorf("create frames dir: %w", err)
	}
	args := []string{
		"-y", "-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%d", intervalSec),
		"-q:v", "3",
		filepath.Join(framesDir, "%06d.jpg"),
	}
	if out, err := t.runner(ctx, t.ffmpeg, args...); err != nil {
		return 0, apperrors.ExternalTool(err, "ffmpeg frame extract: %s", tail(out))
	}
	return DirBytes(framesDir, ".jpg")
}

// Duration probes the container duration in seconds.
func (t *Toolchain) Duration(ctx context.Context, videoPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}
	out, err := t.runner(ctx, t.ffprobe, args...)
	if err != nil {
		return 0, apperrors.ExternalTool(err, "ffprobe duration: %s", tail(out))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, apperrors.ExternalTool(err, "ffprobe returned unparseable duration %q", strings.TrimSpace(string(out)))
	}
	return dur, nil
}

// DirBytes sums the sizes of files with the given extension in dir.
func DirBytes(dir, ext string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

// tail keeps the last part of tool output for error messages; ffmpeg puts
// the interesting line at the end.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	const keep = 300
	if len(s) > keep {
		s = s[len(s)-keep:]
	}
	return s
}
