package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/audio"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36"

// XiaoyuzhouFetcher scrapes an episode page for its enclosure URL,
// downloads the audio and normalizes it to mono 16 kHz mp3.
type XiaoyuzhouFetcher struct {
	httpClient *http.Client
	ffmpegBin  string
	audioDir   string
	runner     audio.Runner
	log        zerolog.Logger
}

func NewXiaoyuzhou(ffmpegBin, audioDir string, log zerolog.Logger) *XiaoyuzhouFetcher {
	return &XiaoyuzhouFetcher{
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		ffmpegBin:  ffmpegBin,
		audioDir:   audioDir,
		runner:     audio.ExecRunner{},
		log:        log.With().Str("component", "fetch").Logger(),
	}
}

// episodeMeta is the slice of the page's ld+json block we consume.
type episodeMeta struct {
	Name            string `json:"name"`
	AssociatedMedia struct {
		ContentURL string `json:"contentUrl"`
	} `json:"associatedMedia"`
	PartOfSeries struct {
		Name string `json:"name"`
	} `json:"partOfSeries"`
}

func (f *XiaoyuzhouFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	meta, err := f.episodeInfo(ctx, ref)
	if err != nil {
		return nil, err
	}

	name := SanitizeFilename(meta.Name)
	if name == "" {
		name = "episode"
	}
	outPath := filepath.Join(f.audioDir, name+".mp3")
	if _, err := os.Stat(outPath); err == nil {
		f.log.Info().Str("audio", outPath).Msg("audio already downloaded, skipping")
		return &Media{Title: meta.Name, AudioPath: outPath}, nil
	}

	f.log.Info().
		Str("podcast", meta.PartOfSeries.Name).
		Str("episode", meta.Name).
		Msg("downloading episode audio")
	tmpPath, err := f.downloadEnclosure(ctx, meta.AssociatedMedia.ContentURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	convertArgs := []string{"-y", "-v", "error", "-i", tmpPath, "-ac", "1", "-ar", "16000", "-b:a", "48k", outPath}
	if res, err := f.runner.Run(ctx, f.ffmpegBin, convertArgs...); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("convert episode audio: %w: %s", err, snippet(res.Stderr))
	}
	return &Media{Title: meta.Name, AudioPath: outPath}, nil
}

// episodeInfo pulls the episode metadata out of the page's
// script[type="application/ld+json"] block.
func (f *XiaoyuzhouFetcher) episodeInfo(ctx context.Context, ref string) (*episodeMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("episode page request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch episode page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch episode page: status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse episode page: %w", err)
	}
	raw := doc.Find(`script[type="application/ld+json"]`).First().Text()
	if raw == "" {
		return nil, fmt.Errorf("episode page %s has no ld+json metadata", ref)
	}

	var meta episodeMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode episode metadata: %w", err)
	}
	if meta.Name == "" || meta.AssociatedMedia.ContentURL == "" {
		return nil, fmt.Errorf("episode page %s has no usable audio info", ref)
	}
	return &meta, nil
}

func (f *XiaoyuzhouFetcher) downloadEnclosure(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("enclosure request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download enclosure: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download enclosure: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(f.audioDir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.audioDir, "enclosure-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download enclosure: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}
