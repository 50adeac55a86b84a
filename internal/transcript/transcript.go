// Package transcript renders the three equivalent transcript artifacts
// produced by the ASR stage: a structured segment list, a plain-text form,
// and a subtitle file.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Segment is one transcribed span. Start and End are seconds from the start
// of the recording.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Meta describes the transcription run.
type Meta struct {
	Language    string  `json:"language"`
	Probability float64 `json:"probability"`
	Duration    float64 `json:"duration"`
}

// Document is the payload of transcript.json.
type Document struct {
	Segments []Segment `json:"segments"`
	Meta     Meta      `json:"meta"`
}

const (
	JSONName = "transcript.json"
	TextName = "transcript.txt"
	SRTName  = "transcript.srt"
)

// WriteArtifacts writes all three transcript forms into dir, overwriting any
// previous run's output.
func WriteArtifacts(dir string, segs []Segment, meta Meta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	doc := Document{Segments: segs, Meta: meta}
	if doc.Segments == nil {
		doc.Segments = []Segment{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, JSONName), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", JSONName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, TextName), []byte(RenderText(segs)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", TextName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SRTName), []byte(RenderSRT(segs)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SRTName, err)
	}
	return nil
}

// RenderText produces the plain-text form: one line per segment with a
// bracketed [start-end] prefix in two-decimal seconds.
func RenderText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "[%.2f-%.2f] %s\n", s.Start, s.End, s.Text)
	}
	return b.String()
}

// RenderSRT produces the subtitle form: 1-based sequence numbers,
// HH:MM:SS,mmm timing lines, blank line separators.
func RenderSRT(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", FormatSRTTime(s.Start), FormatSRTTime(s.End))
		fmt.Fprintf(&b, "%s\n\n", s.Text)
	}
	return b.String()
}

// FormatSRTTime renders seconds as HH:MM:SS,mmm.
func FormatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3_600_000
	m := millis % 3_600_000 / 60_000
	s := millis % 60_000 / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
