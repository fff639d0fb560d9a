// Package transcribe turns local audio into transcript text through an
// asynchronous remote recognition service. Files over the chunk
// threshold are split into contiguous time ranges and processed by a
// bounded worker pool; failed chunks surface as inline markers instead
// of sinking the whole transcript.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/mindmill/internal/asr"
	"github.com/snarg/mindmill/internal/audio"
	"github.com/snarg/mindmill/internal/cache"
	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/remote"
	"github.com/snarg/mindmill/internal/retry"
)

// Artifact is a local audio file addressed by its content hash.
type Artifact struct {
	Path string
	Hash string
}

// Uploader puts local files into remote object storage.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
	PresignedURL(ctx context.Context, objectKey string) (string, error)
}

// TaskAPI is the asynchronous recognition service.
type TaskAPI interface {
	Submit(ctx context.Context, audioURL string) (uint64, error)
	Poll(ctx context.Context, taskID uint64) (*asr.TaskStatus, error)
}

// Prober reads media duration and size.
type Prober interface {
	Probe(ctx context.Context, path string) (*audio.Info, error)
}

// Splitter exports time ranges of a media file as chunk files.
type Splitter interface {
	Split(ctx context.Context, path string, ranges []audio.ChunkRange, outDir string) ([]audio.ChunkFile, error)
}

// URLCache persists object keys across runs so re-processing the same
// audio never re-uploads it.
type URLCache interface {
	Get(stage cache.Stage, key string) (string, bool)
	Put(stage cache.Stage, key, payload string) error
}

// Config tunes chunking and polling.
type Config struct {
	ChunkThreshold int64 // bytes; above this the file is split
	PoolWidth      int
	PollInterval   time.Duration
	PollBudget     time.Duration
}

// Engine runs the upload/submit/poll lifecycle for whole files and
// chunk sets.
type Engine struct {
	cfg      Config
	uploader Uploader
	tasks    TaskAPI
	prober   Prober
	splitter Splitter
	urls     URLCache
	policy   retry.Policy
	log      zerolog.Logger
}

func NewEngine(cfg Config, up Uploader, tasks TaskAPI, prober Prober, splitter Splitter, urls URLCache, policy retry.Policy, log zerolog.Logger) *Engine {
	if cfg.PoolWidth < 1 {
		cfg.PoolWidth = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = 30 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		uploader: up,
		tasks:    tasks,
		prober:   prober,
		splitter: splitter,
		urls:     urls,
		policy:   policy,
		log:      log.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe returns the transcript for the artifact. Files at or
// under the chunk threshold go through as one piece; larger files are
// split and reassembled in chunk order.
func (e *Engine) Transcribe(ctx context.Context, art *Artifact) (string, error) {
	st, err := os.Stat(art.Path)
	if err != nil {
		return "", fmt.Errorf("stat audio: %w", err)
	}
	n := audio.ChunkCount(st.Size(), e.cfg.ChunkThreshold)
	if n == 1 {
		return e.transcribeWhole(ctx, art)
	}
	e.log.Info().
		Int64("bytes", st.Size()).
		Int("chunks", n).
		Msg("audio exceeds chunk threshold, splitting")
	return e.transcribeChunked(ctx, art, n)
}

func (e *Engine) transcribeWhole(ctx context.Context, art *Artifact) (string, error) {
	key, ok := e.urls.Get(cache.StageUploadedURL, art.Hash)
	if ok {
		metrics.CacheHitsTotal.WithLabelValues(string(cache.StageUploadedURL)).Inc()
		e.log.Info().Str("hash", cache.Short(art.Hash)).Str("key", key).Msg("reusing uploaded audio")
	} else {
		metrics.CacheMissesTotal.WithLabelValues(string(cache.StageUploadedURL)).Inc()
		var err error
		key, err = e.uploader.Upload(ctx, art.Path)
		if err != nil {
			return "", fmt.Errorf("upload audio: %w", err)
		}
		if err := e.urls.Put(cache.StageUploadedURL, art.Hash, key); err != nil {
			e.log.Warn().Err(err).Msg("caching uploaded audio key failed")
		}
	}

	audioURL, err := e.uploader.PresignedURL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("presign audio: %w", err)
	}
	return e.runTask(ctx, audioURL)
}

func (e *Engine) transcribeChunked(ctx context.Context, art *Artifact, n int) (string, error) {
	info, err := e.prober.Probe(ctx, art.Path)
	if err != nil {
		return "", fmt.Errorf("probe audio: %w", err)
	}
	ranges := audio.PlanChunks(info.DurationMs, n)

	tmpDir, err := os.MkdirTemp(filepath.Dir(art.Path), "chunks-")
	if err != nil {
		return "", fmt.Errorf("create chunk dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	files, err := e.splitter.Split(ctx, art.Path, ranges, tmpDir)
	if err != nil {
		return "", fmt.Errorf("split audio: %w", err)
	}

	// Every chunk writes only its own slot, so reassembly is just a
	// join in index order regardless of completion order.
	texts := make([]string, len(files))
	failures := make([]error, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PoolWidth)
	for _, ch := range files {
		ch := ch
		g.Go(func() error {
			text, err := e.transcribeChunk(gctx, ch)
			if err != nil {
				failures[ch.Index] = err
				texts[ch.Index] = fmt.Sprintf("[chunk %d transcription failed: %v]", ch.Index+1, err)
				metrics.ChunksTotal.WithLabelValues("failed").Inc()
				e.log.Warn().Err(err).Int("chunk", ch.Index+1).Int("total", len(files)).Msg("chunk transcription failed")
				return nil
			}
			texts[ch.Index] = text
			metrics.ChunksTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	failed := 0
	var lastErr error
	for _, ferr := range failures {
		if ferr != nil {
			failed++
			lastErr = ferr
		}
	}
	if failed == len(files) {
		return "", fmt.Errorf("all %d chunks failed: %w", len(files), lastErr)
	}
	if failed > 0 {
		e.log.Warn().Int("failed", failed).Int("total", len(files)).Msg("transcript contains failed-chunk markers")
	}
	return strings.Join(texts, "\n"), nil
}

func (e *Engine) transcribeChunk(ctx context.Context, ch audio.ChunkFile) (string, error) {
	key, err := e.uploader.Upload(ctx, ch.Path)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	audioURL, err := e.uploader.PresignedURL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return e.runTask(ctx, audioURL)
}

// runTask submits one recognition task and polls it to a terminal
// state within the poll budget.
func (e *Engine) runTask(ctx context.Context, audioURL string) (string, error) {
	var taskID uint64
	err := e.policy.Do(ctx, e.log, "submit", func() error {
		var callErr error
		taskID, callErr = e.tasks.Submit(ctx, audioURL)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("submit transcription task: %w", err)
	}

	maxPolls := int(e.cfg.PollBudget / e.cfg.PollInterval)
	if maxPolls < 1 {
		maxPolls = 1
	}
	log := e.log.With().Uint64("task_id", taskID).Logger()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		var status *asr.TaskStatus
		err := e.policy.Do(ctx, log, "poll", func() error {
			var callErr error
			status, callErr = e.tasks.Poll(ctx, taskID)
			return callErr
		})
		metrics.TaskPollsTotal.Inc()
		if err != nil {
			return "", fmt.Errorf("poll transcription task %d: %w", taskID, err)
		}

		switch status.State {
		case asr.StateSucceeded:
			return status.Text, nil
		case asr.StateFailed:
			return "", remote.Errorf(remote.KindService, "transcription task %d failed: %s", taskID, status.ErrorMsg)
		}
		log.Debug().Int("poll", i+1).Int("max_polls", maxPolls).Stringer("state", status.State).Msg("task still pending")
	}
	return "", remote.Errorf(remote.KindTimeout, "transcription task %d timed out after %s", taskID, e.cfg.PollBudget)
}
