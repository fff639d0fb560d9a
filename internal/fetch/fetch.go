// Package fetch resolves content references (platform URLs or local
// paths) into downloaded, ASR-ready audio files.
package fetch

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnsupportedReference marks a reference no fetcher can handle.
var ErrUnsupportedReference = errors.New("unsupported content reference")

// Platform identifies where a reference points.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformBilibili   Platform = "bilibili"
	PlatformXiaoyuzhou Platform = "xiaoyuzhou"
	PlatformLocal      Platform = "local"
	PlatformUnknown    Platform = "unknown"
)

// Media is a fetched piece of content: its display title and the local
// audio file ready for transcription.
type Media struct {
	Title     string
	AudioPath string
}

// Fetcher turns one reference into local audio.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Media, error)
}

// Classify maps a reference to its platform. http(s) URLs match by
// host substring; anything that is not a URL is treated as a local
// path candidate.
func Classify(ref string) Platform {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return PlatformUnknown
	}
	u, err := url.Parse(ref)
	if err == nil && u.Scheme != "" && u.Host != "" {
		if u.Scheme != "http" && u.Scheme != "https" {
			return PlatformUnknown
		}
		lower := strings.ToLower(ref)
		switch {
		case strings.Contains(lower, "youtube") || strings.Contains(lower, "youtu.be"):
			return PlatformYouTube
		case strings.Contains(lower, "bilibili"):
			return PlatformBilibili
		case strings.Contains(lower, "xiaoyuzhou"):
			return PlatformXiaoyuzhou
		}
		return PlatformUnknown
	}
	return PlatformLocal
}

var youtubeIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/v/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/shorts/([a-zA-Z0-9_-]{11})`),
}

var (
	bilibiliBVRe = regexp.MustCompile(`(BV[0-9A-Za-z]{10})`)
	bilibiliAVRe = regexp.MustCompile(`\bav(\d+)`)
	xiaoyuzhouRe = regexp.MustCompile(`/episode/([0-9a-zA-Z]+)`)
)

// ContentID extracts the platform-stable identifier from a reference.
// It reports false when the reference carries no extractable ID, which
// just means the download-skip cache cannot be used.
func ContentID(p Platform, ref string) (string, bool) {
	switch p {
	case PlatformYouTube:
		for _, re := range youtubeIDPatterns {
			if m := re.FindStringSubmatch(ref); m != nil {
				return m[1], true
			}
		}
	case PlatformBilibili:
		if m := bilibiliBVRe.FindStringSubmatch(ref); m != nil {
			return m[1], true
		}
		if m := bilibiliAVRe.FindStringSubmatch(ref); m != nil {
			return "av" + m[1], true
		}
	case PlatformXiaoyuzhou:
		if m := xiaoyuzhouRe.FindStringSubmatch(ref); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// SanitizeFilename strips characters that are unsafe in file names and
// caps the result at 100 runes.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', '*', '?', ':', '"', '<', '>', '|':
			return -1
		}
		return r
	}, name)
	runes := []rune(cleaned)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	return strings.TrimSpace(string(runes))
}

// Resolver holds one fetcher per platform.
type Resolver struct {
	fetchers map[Platform]Fetcher
}

func NewResolver(ytdlpBin, ffmpegBin, audioDir string, log zerolog.Logger) *Resolver {
	ytdlp := NewYtdlp(ytdlpBin, audioDir, log)
	return &Resolver{fetchers: map[Platform]Fetcher{
		PlatformYouTube:    ytdlp,
		PlatformBilibili:   ytdlp,
		PlatformXiaoyuzhou: NewXiaoyuzhou(ffmpegBin, audioDir, log),
		PlatformLocal:      LocalFetcher{},
	}}
}

// For returns the fetcher for a platform, or ErrUnsupportedReference.
func (r *Resolver) For(p Platform) (Fetcher, error) {
	f, ok := r.fetchers[p]
	if !ok {
		return nil, ErrUnsupportedReference
	}
	return f, nil
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
