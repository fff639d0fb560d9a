package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"unicode"

	"github.com/snarg/mindmill/internal/audio"
	"github.com/snarg/mindmill/internal/cache"
	"github.com/snarg/mindmill/internal/fetch"
)

// Kind says what a job's reference holds.
type Kind int

const (
	// KindURL references media that must be fetched and transcribed,
	// remote or local.
	KindURL Kind = iota
	// KindRawText carries transcript text directly; fetch and
	// transcription are skipped.
	KindRawText
)

func (k Kind) String() string {
	if k == KindRawText {
		return "raw_text"
	}
	return "url"
}

// ContentJob is one pipeline invocation. Immutable once dispatched.
type ContentJob struct {
	Reference string
	Kind      Kind
	Platform  fetch.Platform
}

// NewJob classifies a reference. A non-URL reference is media when it
// points at an existing file or at least looks like an audio path
// (so a mistyped path fails loudly at fetch); any other non-URL text
// is treated as a pasted transcript.
func NewJob(reference string) ContentJob {
	ref := strings.TrimSpace(reference)
	job := ContentJob{Reference: ref, Kind: KindURL, Platform: fetch.Classify(ref)}
	if job.Platform == fetch.PlatformLocal {
		if _, err := os.Stat(ref); err != nil && !audio.IsAudioFile(ref) {
			job.Kind = KindRawText
			job.Platform = fetch.PlatformUnknown
		}
	}
	return job
}

// StageError ties a failure to the pipeline stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// IsCancelled reports whether err comes from context cancellation
// rather than a stage failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// hanFraction is the share of Han code points among the letters and
// digits of text. Zero when text has no letters or digits.
func hanFraction(text string) float64 {
	var han, total int
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		total++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(han) / float64(total)
}

const maxRawTitleRunes = 60

// rawTextTitle derives an artifact title from pasted text: the first
// line that survives sanitization, capped. Falls back to a hash-derived
// name when nothing usable remains.
func rawTextTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		title := fetch.SanitizeFilename(line)
		if title == "" {
			continue
		}
		if runes := []rune(title); len(runes) > maxRawTitleRunes {
			title = strings.TrimSpace(string(runes[:maxRawTitleRunes]))
		}
		return title
	}
	return "note-" + cache.Short(cache.HashString(text))
}

// refSnippet shortens a reference for log fields; raw text pastes can
// be arbitrarily long.
func refSnippet(ref string) string {
	runes := []rune(ref)
	if len(runes) <= 80 {
		return ref
	}
	return string(runes[:80]) + "..."
}
