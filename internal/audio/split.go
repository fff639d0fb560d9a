package audio

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// ChunkFile is one exported chunk on disk.
type ChunkFile struct {
	Index   int
	StartMs int64
	EndMs   int64
	Path    string
}

// Splitter exports time ranges of a media file as mono 16kHz mp3 chunks,
// the format the transcription service handles best at the lowest bitrate.
type Splitter struct {
	bin    string
	runner Runner
}

func NewSplitter(bin string) *Splitter {
	return &Splitter{bin: bin, runner: ExecRunner{}}
}

// NewSplitterWithRunner is used by tests to avoid spawning processes.
func NewSplitterWithRunner(bin string, r Runner) *Splitter {
	return &Splitter{bin: bin, runner: r}
}

// Split exports every range of path into outDir. Chunks are written as
// chunk_000.mp3, chunk_001.mp3, ... matching range indexes.
func (s *Splitter) Split(ctx context.Context, path string, ranges []ChunkRange, outDir string) ([]ChunkFile, error) {
	files := make([]ChunkFile, 0, len(ranges))
	for _, r := range ranges {
		out := filepath.Join(outDir, fmt.Sprintf("chunk_%03d.mp3", r.Index))
		res, err := s.runner.Run(ctx, s.bin, buildSplitArgs(path, r, out)...)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg chunk %d: %w (%s)", r.Index, err, strings.TrimSpace(res.Stderr))
		}
		files = append(files, ChunkFile{
			Index:   r.Index,
			StartMs: r.StartMs,
			EndMs:   r.EndMs,
			Path:    out,
		})
	}
	return files, nil
}

func buildSplitArgs(in string, r ChunkRange, out string) []string {
	return []string{
		"-y", "-v", "error",
		"-i", in,
		"-ss", formatSeconds(r.StartMs),
		"-t", formatSeconds(r.EndMs - r.StartMs),
		"-ac", "1",
		"-ar", "16000",
		"-b:a", "48k",
		out,
	}
}

func formatSeconds(ms int64) string {
	return fmt.Sprintf("%.3f", float64(ms)/1000.0)
}
