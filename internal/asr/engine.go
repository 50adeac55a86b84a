// Package asr wraps the speech-recognition engine. The engine is a
// process-scoped heavy resource: it is constructed once, probed at startup,
// and injected into the worker loop. A failed probe keeps the worker from
// accepting any work at all; degrading silently to CPU would break the
// output-quality assumptions of everything downstream.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"mediamon/internal/apperrors"
	"mediamon/internal/transcript"
)

// Engine transcribes a prepared mono WAV file.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) ([]transcript.Segment, transcript.Meta, error)
}

// Config selects the model and device for the CLI engine.
type Config struct {
	// Bin is the transcription CLI. It must accept the flags built in
	// transcribeArgs and emit a JSON document on stdout.
	Bin         string
	Model       string
	ComputeType string
	Language    string
	// RequireGPU makes startup fail when CUDA is unavailable instead of
	// falling back to CPU.
	RequireGPU bool
}

// CommandRunner mirrors media.CommandRunner; injectable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CLIEngine shells out to a whisper-family CLI.
type CLIEngine struct {
	cfg    Config
	device string
	runner CommandRunner
}

// NewCLIEngine probes the engine and fails fast when the configured device
// cannot be used.
func NewCLIEngine(ctx context.Context, cfg Config) (*CLIEngine, error) {
	return newCLIEngine(ctx, cfg, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	})
}

func newCLIEngine(ctx context.Context, cfg Config, runner CommandRunner) (*CLIEngine, error) {
	if cfg.Bin == "" {
		return nil, fmt.Errorf("asr: engine binary not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "large-v3"
	}
	if cfg.Language == "" {
		cfg.Language = "th"
	}
	e := &CLIEngine{cfg: cfg, device: "cuda", runner: runner}
	if out, err := runner(ctx, cfg.Bin, "--probe", "--device", "cuda", "--model", cfg.Model); err != nil {
		if cfg.RequireGPU {
			return nil, fmt.Errorf("asr: CUDA probe failed, refusing to start: %w (%s)", err, probeTail(out))
		}
		e.device = "cpu"
	}
	return e, nil
}

// Device reports which device the engine settled on, for startup logging.
func (e *CLIEngine) Device() string { return e.device }

// Model reports the configured model name.
func (e *CLIEngine) Model() string { return e.cfg.Model }

// cliOutput is the JSON document the CLI prints.
type cliOutput struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
}

// Transcribe runs the CLI over the audio file and normalizes its output.
func (e *CLIEngine) Transcribe(ctx context.Context, audioPath string) ([]transcript.Segment, transcript.Meta, error) {
	args := []string{
		"--model", e.cfg.Model,
		"--device", e.device,
		"--compute-type", e.cfg.ComputeType,
		"--language", e.cfg.Language,
		"--beam-size", "10",
		"--best-of", "10",
		"--output-format", "json",
		audioPath,
	}
	out, err := e.runner(ctx, e.cfg.Bin, args...)
	if err != nil {
		return nil, transcript.Meta{}, apperrors.ExternalTool(err, "transcription: %s", probeTail(out))
	}
	var parsed cliOutput
	if err := json.Unmarshal(extractJSON(out), &parsed); err != nil {
		return nil, transcript.Meta{}, apperrors.ExternalTool(err, "transcription produced unparseable output")
	}
	segs := make([]transcript.Segment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		segs = append(segs, transcript.Segment{
			Start: round2(s.Start),
			End:   round2(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	meta := transcript.Meta{
		Language:    parsed.Language,
		Probability: round4(parsed.LanguageProbability),
		Duration:    round2(parsed.Duration),
	}
	return segs, meta, nil
}

// extractJSON skips any tool chatter before the JSON document on stdout.
func extractJSON(out []byte) []byte {
	if i := strings.IndexByte(string(out), '{'); i > 0 {
		return out[i:]
	}
	return out
}

func probeTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	const keep = 300
	if len(s) > keep {
		s = s[len(s)-keep:]
	}
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
