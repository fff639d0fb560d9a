package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Info is what the pipeline needs to know about a media file.
type Info struct {
	DurationMs int64
	ByteSize   int64
}

// Prober reads duration and size through ffprobe.
type Prober struct {
	bin    string
	runner Runner
}

func NewProber(bin string) *Prober {
	return &Prober{bin: bin, runner: ExecRunner{}}
}

// NewProberWithRunner is used by tests to avoid spawning processes.
func NewProberWithRunner(bin string, r Runner) *Prober {
	return &Prober{bin: bin, runner: r}
}

func (p *Prober) Probe(ctx context.Context, path string) (*Info, error) {
	res, err := p.runner.Run(ctx, p.bin,
		"-v", "error",
		"-show_entries", "format=duration,size",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w (%s)", path, err, strings.TrimSpace(res.Stderr))
	}

	var out struct {
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	durSec, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return nil, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
	}

	info := &Info{DurationMs: int64(durSec * 1000)}
	if out.Format.Size != "" {
		if size, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
			info.ByteSize = size
		}
	}
	if info.ByteSize == 0 {
		// Some containers omit size in format metadata
		st, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		info.ByteSize = st.Size()
	}
	return info, nil
}
