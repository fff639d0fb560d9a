// Package audio probes and splits media files through ffprobe/ffmpeg.
// Oversized files are partitioned into contiguous equal-duration chunks
// so each piece stays under the remote service's size limit.
package audio

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ChunkRange is one contiguous [StartMs, EndMs) slice of an artifact.
type ChunkRange struct {
	Index   int
	StartMs int64
	EndMs   int64
}

// ChunkCount returns how many chunks a file of byteSize needs under
// threshold. Files at or below the threshold need exactly one.
func ChunkCount(byteSize, threshold int64) int {
	if threshold <= 0 || byteSize <= threshold {
		return 1
	}
	return int((byteSize + threshold - 1) / threshold)
}

// PlanChunks partitions durationMs into n contiguous, non-overlapping
// ranges. Durations are equal except the last range, which absorbs the
// integer-division remainder.
func PlanChunks(durationMs int64, n int) []ChunkRange {
	if n < 1 {
		n = 1
	}
	chunkLen := durationMs / int64(n)
	ranges := make([]ChunkRange, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkLen
		end := start + chunkLen
		if i == n-1 {
			end = durationMs
		}
		ranges[i] = ChunkRange{Index: i, StartMs: start, EndMs: end}
	}
	return ranges
}

var audioExts = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".aac":  true,
}

// IsAudioFile reports whether the path has a recognized audio extension.
func IsAudioFile(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}

// CheckTools verifies ffmpeg and ffprobe are in PATH. Call once at startup.
func CheckTools(ffmpeg, ffprobe string) error {
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", ffmpeg, err)
	}
	if _, err := exec.LookPath(ffprobe); err != nil {
		return fmt.Errorf("ffprobe not found (%s): %w", ffprobe, err)
	}
	return nil
}
