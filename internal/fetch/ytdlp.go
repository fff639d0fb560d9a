package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/audio"
)

// YtdlpFetcher downloads via the yt-dlp binary and extracts a mono
// 16 kHz mp3, serving both YouTube and Bilibili references.
type YtdlpFetcher struct {
	bin      string
	audioDir string
	runner   audio.Runner
	log      zerolog.Logger
}

func NewYtdlp(bin, audioDir string, log zerolog.Logger) *YtdlpFetcher {
	return &YtdlpFetcher{
		bin:      bin,
		audioDir: audioDir,
		runner:   audio.ExecRunner{},
		log:      log.With().Str("component", "fetch").Logger(),
	}
}

func (f *YtdlpFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	args := []string{
		"--no-playlist",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "mp3",
		"--postprocessor-args", "ffmpeg:-ac 1 -ar 16000 -b:a 48k",
		"--retries", "10",
		"--fragment-retries", "10",
		"--socket-timeout", "30",
		"--no-simulate",
		"--print", "title",
		"--print", "after_move:filepath",
		"-o", filepath.Join(f.audioDir, "%(title)s.%(ext)s"),
		ref,
	}
	f.log.Info().Str("ref", ref).Msg("downloading with yt-dlp")
	res, err := f.runner.Run(ctx, f.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp %s: %w: %s", ref, err, snippet(res.Stderr))
	}

	// --print emits the title before download and the final file path
	// after post-processing, so title is the first line and the path
	// the last.
	lines := nonEmptyLines(res.Stdout)
	if len(lines) < 2 {
		return nil, fmt.Errorf("yt-dlp %s: unexpected output %q", ref, snippet(res.Stdout))
	}
	title := lines[0]
	path := lines[len(lines)-1]
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("yt-dlp reported %s but it is missing: %w", path, err)
	}
	f.log.Info().Str("title", title).Str("audio", path).Msg("download complete")
	return &Media{Title: title, AudioPath: path}, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}
