// Package pipeline orchestrates a content job end to end: fetch,
// transcribe, translate, outline, artifact writes, cleanup. Every
// expensive stage is cache-aware and cancellation is checked between
// stages, so a cancelled or failed run never leaves partial artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/cache"
	"github.com/snarg/mindmill/internal/config"
	"github.com/snarg/mindmill/internal/fetch"
	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/outline"
	"github.com/snarg/mindmill/internal/transcribe"
)

// hanSkipThreshold is the Han fraction above which a transcript is
// judged to already be in the target language.
const hanSkipThreshold = 0.5

// Fetchers resolves a platform to its fetcher.
type Fetchers interface {
	For(p fetch.Platform) (fetch.Fetcher, error)
}

// Transcriber turns an audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, art *transcribe.Artifact) (string, error)
}

// Translator renders text in the target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Outliner produces the outline document for a transcript. The bool
// reports degraded quality, meaning no candidate passed validation.
type Outliner interface {
	Generate(ctx context.Context, title, source string) (string, bool, error)
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Fetchers   Fetchers
	Engine     Transcriber
	Translator Translator
	Outliner   Outliner
	Store      *cache.Store
	Identities *cache.IdentityCache
}

// Pipeline runs content jobs one at a time.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
	log  zerolog.Logger
}

func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "pipeline").Logger(),
	}
}

// Result is what one completed job produced.
type Result struct {
	Title          string
	Original       string
	Translated     string // empty when translation was skipped or failed
	TranscriptPath string
	OutlinePath    string
	// OutlineDegraded marks an outline that was kept despite failing
	// validation.
	OutlineDegraded bool
}

// Process runs one job to completion. The call is synchronous; cancel
// ctx to stop between stages.
func (p *Pipeline) Process(ctx context.Context, job ContentJob) (*Result, error) {
	start := time.Now()
	log := p.log.With().
		Str("job_id", uuid.NewString()).
		Str("kind", job.Kind.String()).
		Str("reference", refSnippet(job.Reference)).
		Logger()
	log.Info().Str("platform", string(job.Platform)).Msg("job accepted")

	res, err := p.run(ctx, log, job)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues("completed").Inc()
		log.Info().Dur("elapsed", elapsed).Str("outline", res.OutlinePath).Msg("job completed")
	case IsCancelled(err):
		metrics.JobsTotal.WithLabelValues("cancelled").Inc()
		log.Warn().Dur("elapsed", elapsed).Msg("job cancelled")
	default:
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("job failed")
	}
	return res, err
}

func (p *Pipeline) run(ctx context.Context, log zerolog.Logger, job ContentJob) (*Result, error) {
	if job.Kind == KindRawText {
		return p.finish(ctx, log, rawTextTitle(job.Reference), job.Reference)
	}
	if job.Platform == fetch.PlatformUnknown {
		return nil, &StageError{Stage: "classify", Err: fetch.ErrUnsupportedReference}
	}

	media, err := p.obtainMedia(ctx, log, job)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := cache.HashFile(media.AudioPath)
	if err != nil {
		return nil, &StageError{Stage: "probe", Err: err}
	}
	log = log.With().Str("hash", cache.Short(hash)).Logger()

	text, durable, err := p.obtainTranscript(ctx, log, &transcribe.Artifact{Path: media.AudioPath, Hash: hash})
	if err != nil {
		return nil, err
	}

	res, err := p.finish(ctx, log, media.Title, text)
	if err != nil {
		return nil, err
	}
	// Cleanup runs only on success, and only once the transcript is
	// durably cached; audio from a failed run stays on disk so the
	// identity cache can resume from it. Local source files are the
	// user's and are never touched.
	if durable && job.Platform != fetch.PlatformLocal {
		p.removeAudio(log, media.AudioPath)
	}
	return res, nil
}

// obtainMedia returns local audio for the job, skipping the fetch when
// the identity cache already holds a usable artifact for this content.
func (p *Pipeline) obtainMedia(ctx context.Context, log zerolog.Logger, job ContentJob) (*fetch.Media, error) {
	id, haveID := fetch.ContentID(job.Platform, job.Reference)
	if haveID {
		if ident, ok := p.deps.Identities.Lookup(string(job.Platform), id); ok {
			metrics.CacheHitsTotal.WithLabelValues("identity").Inc()
			log.Info().Str("content_id", id).Str("title", ident.Title).Msg("identity cache hit, skipping fetch")
			return &fetch.Media{Title: ident.Title, AudioPath: ident.AudioPath}, nil
		}
		metrics.CacheMissesTotal.WithLabelValues("identity").Inc()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetcher, err := p.deps.Fetchers.For(job.Platform)
	if err != nil {
		return nil, &StageError{Stage: "classify", Err: err}
	}
	start := time.Now()
	media, err := fetcher.Fetch(ctx, job.Reference)
	if err != nil {
		return nil, &StageError{Stage: "fetch", Err: err}
	}
	metrics.ObserveStage("fetch", start)
	log.Info().Str("title", media.Title).Str("audio", media.AudioPath).Msg("media fetched")

	if haveID {
		ident := cache.Identity{Title: media.Title, AudioPath: media.AudioPath, OriginalURL: job.Reference}
		if err := p.deps.Identities.Save(string(job.Platform), id, ident); err != nil {
			log.Warn().Err(err).Msg("could not record identity cache entry")
		}
	}
	return media, nil
}

// obtainTranscript returns transcript text for the artifact plus
// whether that text is durably cached on disk.
func (p *Pipeline) obtainTranscript(ctx context.Context, log zerolog.Logger, art *transcribe.Artifact) (string, bool, error) {
	if text, ok := p.deps.Store.Get(cache.StageTranscript, art.Hash); ok {
		metrics.CacheHitsTotal.WithLabelValues("transcript").Inc()
		log.Info().Msg("transcript cache hit")
		return text, true, nil
	}
	metrics.CacheMissesTotal.WithLabelValues("transcript").Inc()

	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	start := time.Now()
	text, err := p.deps.Engine.Transcribe(ctx, art)
	if err != nil {
		return "", false, &StageError{Stage: "transcribe", Err: err}
	}
	metrics.ObserveStage("transcribe", start)
	if strings.TrimSpace(text) == "" {
		return "", false, &StageError{Stage: "transcribe", Err: errors.New("transcription returned empty text")}
	}
	log.Info().Int("chars", len(text)).Msg("transcript ready")

	if err := p.deps.Store.Put(cache.StageTranscript, art.Hash, text); err != nil {
		log.Warn().Err(err).Msg("could not cache transcript")
		return text, false, nil
	}
	return text, true, nil
}

// finish runs the text half of the pipeline: conditional translation,
// outline generation, artifact writes.
func (p *Pipeline) finish(ctx context.Context, log zerolog.Logger, title, original string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var translated string
	if frac := hanFraction(original); frac > hanSkipThreshold {
		log.Info().Float64("han_fraction", frac).Msg("transcript already in target language, skipping translation")
	} else {
		start := time.Now()
		out, err := p.deps.Translator.Translate(ctx, original)
		switch {
		case err == nil:
			metrics.ObserveStage("translate", start)
			translated = out
		case IsCancelled(err):
			return nil, &StageError{Stage: "translate", Err: err}
		default:
			log.Warn().Err(err).Msg("translation failed, continuing with original transcript")
		}
	}

	source := original
	if translated != "" {
		source = translated
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outlineDoc, degraded, err := p.buildOutline(ctx, log, title, source)
	if err != nil {
		return nil, err
	}
	if degraded {
		log.Warn().Str("title", title).Msg("no outline candidate passed validation, keeping richest")
	}

	res := &Result{
		Title:           title,
		Original:        original,
		Translated:      translated,
		OutlineDegraded: degraded,
	}
	if err := p.writeArtifacts(log, title, original, outlineDoc, res); err != nil {
		return nil, &StageError{Stage: "write", Err: err}
	}
	return res, nil
}

// buildOutline returns an outline for source, reusing the cached one
// when it still validates against this source.
func (p *Pipeline) buildOutline(ctx context.Context, log zerolog.Logger, title, source string) (string, bool, error) {
	key := title + "_" + cache.Short(cache.HashString(source))
	if cached, ok := p.deps.Store.Get(cache.StageOutline, key); ok {
		v := outline.Validate(cached, source)
		if v.Valid {
			metrics.CacheHitsTotal.WithLabelValues("outline").Inc()
			log.Info().Str("key", key).Msg("outline cache hit")
			return cached, false, nil
		}
		log.Warn().Str("key", key).Str("reason", v.Reason).Msg("cached outline failed validation, regenerating")
		p.deps.Store.Discard(cache.StageOutline, key)
	}
	metrics.CacheMissesTotal.WithLabelValues("outline").Inc()

	start := time.Now()
	doc, degraded, err := p.deps.Outliner.Generate(ctx, title, source)
	if err != nil {
		return "", false, &StageError{Stage: "outline", Err: err}
	}
	metrics.ObserveStage("outline", start)

	if err := p.deps.Store.Put(cache.StageOutline, key, doc); err != nil {
		log.Warn().Err(err).Msg("could not cache outline")
	}
	return doc, degraded, nil
}

// writeArtifacts persists the transcript and outline under
// title-derived names. Runs only after every other stage succeeded, so
// a failed job writes nothing.
func (p *Pipeline) writeArtifacts(log zerolog.Logger, title, original, outlineDoc string, res *Result) error {
	name := fetch.SanitizeFilename(title)
	if name == "" {
		name = "untitled"
	}

	textPath := filepath.Join(p.cfg.TextDir(), name+".txt")
	outlinePath := filepath.Join(p.cfg.MindmapDir(), name+".md")
	if err := writeFile(textPath, original); err != nil {
		return err
	}
	if err := writeFile(outlinePath, outlineDoc); err != nil {
		return err
	}
	res.TranscriptPath = textPath
	res.OutlinePath = outlinePath
	log.Info().Str("transcript", textPath).Str("outline", outlinePath).Msg("artifacts written")
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// removeAudio drops a fetched audio file whose transcript is safely
// cached.
func (p *Pipeline) removeAudio(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("could not remove fetched audio")
		return
	}
	log.Debug().Str("path", path).Msg("fetched audio removed")
}
