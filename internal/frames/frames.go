// Package frames builds the frame index artifact for the vision stage.
package frames

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// IndexName is the artifact filename.
const IndexName = "frames_index.json"

const (
	CoverName = "cover.jpg"
	ThumbName = "thumb.jpg"
)

// IndexEntry maps one sampled frame file to its position in the video.
type IndexEntry struct {
	Frame        string `json:"frame"`
	TimestampSec int    `json:"timestamp_sec"`
	TimestampStr string `json:"timestamp_str"`
}

// ListFrames returns the sampled jpg files in framesDir in sample order.
// ffmpeg names them %06d.jpg so lexical order is sample order.
func ListFrames(framesDir string) ([]string, error) {
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".jpg" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// BuildIndex assigns timestamps to the ordered frame files. Frame i was
// sampled at i*interval seconds.
func BuildIndex(files []string, intervalSec int) []IndexEntry {
	index := make([]IndexEntry, 0, len(files))
	for i, name := range files {
		ts := i * intervalSec
		index = append(index, IndexEntry{
			Frame:        name,
			TimestampSec: ts,
			TimestampStr: FormatTimestamp(ts),
		})
	}
	return index
}

// FormatTimestamp renders seconds as MM:SS. Minutes keep growing past 99
// rather than rolling into hours; the frame index is a seek aid, not a
// subtitle format.
func FormatTimestamp(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// WriteIndex writes frames_index.json into the artifacts directory,
// overwriting any previous run's output.
func WriteIndex(artifactsDir string, index []IndexEntry) error {
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	if index == nil {
		index = []IndexEntry{}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal frames index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(artifactsDir, IndexName), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", IndexName, err)
	}
	return nil
}

// MiddleFrame picks the representative frame used for the cover image.
func MiddleFrame(files []string) (string, bool) {
	if len(files) == 0 {
		return "", false
	}
	return files[len(files)/2], true
}
