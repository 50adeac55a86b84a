package asr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCLIEngineRequireGPURefusesToStart(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("CUDA driver not found"), errors.New("exit status 1")
	}
	_, err := newCLIEngine(context.Background(), Config{Bin: "whisper-json", RequireGPU: true}, runner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to start")
}

func TestNewCLIEngineFallsBackToCPUWhenAllowed(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("no cuda")
	}
	e, err := newCLIEngine(context.Background(), Config{Bin: "whisper-json", RequireGPU: false}, runner)
	require.NoError(t, err)
	assert.Equal(t, "cpu", e.Device())
}

func TestTranscribeParsesOutput(t *testing.T) {
	var gotArgs []string
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == "--probe" {
			return []byte("ok"), nil
		}
		gotArgs = args
		return []byte(`loading model...
{"segments":[{"start":0.004,"end":2.126,"text":" hello there "}],"language":"th","language_probability":0.98765,"duration":2.13}`), nil
	}
	e, err := newCLIEngine(context.Background(), Config{Bin: "whisper-json", Model: "large-v3", RequireGPU: true}, runner)
	require.NoError(t, err)

	segs, meta, err := e.Transcribe(context.Background(), "/tmp/audio.wav")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 0.0, segs[0].Start)
	assert.Equal(t, 2.13, segs[0].End)
	assert.Equal(t, "hello there", segs[0].Text)
	assert.Equal(t, "th", meta.Language)
	assert.Equal(t, 0.9877, meta.Probability)
	assert.Equal(t, 2.13, meta.Duration)
	assert.Contains(t, gotArgs, "/tmp/audio.wav")
	assert.Contains(t, gotArgs, "cuda")
}

func TestTranscribeToolFailure(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == "--probe" {
			return nil, nil
		}
		return []byte("OOM on device"), errors.New("exit status 2")
	}
	e, err := newCLIEngine(context.Background(), Config{Bin: "whisper-json", RequireGPU: true}, runner)
	require.NoError(t, err)

	_, _, err = e.Transcribe(context.Background(), "/tmp/audio.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OOM")
}
