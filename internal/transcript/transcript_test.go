package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSRTTime(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		want    string
	}{
		{"zero", 0, "00:00:00,000"},
		{"subsecond", 0.5, "00:00:00,500"},
		{"minute boundary", 65.25, "00:01:05,250"},
		{"whole second", 66.0, "00:01:06,000"},
		{"over an hour", 3723.042, "01:02:03,042"},
		{"negative clamps", -1, "00:00:00,000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSRTTime(tt.seconds))
		})
	}
}

func TestRenderSRT(t *testing.T) {
	segs := []Segment{
		{Start: 65.25, End: 66.0, Text: "hello"},
		{Start: 66.5, End: 68.0, Text: "world"},
	}
	got := RenderSRT(segs)
	want := "1\n00:01:05,250 --> 00:01:06,000\nhello\n\n" +
		"2\n00:01:06,500 --> 00:01:08,000\nworld\n\n"
	assert.Equal(t, want, got)
}

func TestRenderText(t *testing.T) {
	segs := []Segment{{Start: 0, End: 2.5, Text: "first words"}}
	assert.Equal(t, "[0.00-2.50] first words\n", RenderText(segs))
}

func TestWriteArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	segs := []Segment{{Start: 1.0, End: 2.0, Text: "one"}}
	meta := Meta{Language: "th", Probability: 0.98, Duration: 2.0}

	require.NoError(t, WriteArtifacts(dir, segs, meta))

	data, err := os.ReadFile(filepath.Join(dir, JSONName))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, segs, doc.Segments)
	assert.Equal(t, meta, doc.Meta)

	for _, name := range []string{TextName, SRTName} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	// Re-running overwrites rather than appending.
	require.NoError(t, WriteArtifacts(dir, segs, meta))
	txt, err := os.ReadFile(filepath.Join(dir, TextName))
	require.NoError(t, err)
	assert.Equal(t, "[1.00-2.00] one\n", string(txt))
}

func TestWriteArtifactsEmptySegments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, nil, Meta{}))
	data, err := os.ReadFile(filepath.Join(dir, JSONName))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotNil(t, doc.Segments)
	assert.Len(t, doc.Segments, 0)
}
