package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/api"
	"github.com/snarg/mindmill/internal/asr"
	"github.com/snarg/mindmill/internal/audio"
	"github.com/snarg/mindmill/internal/cache"
	"github.com/snarg/mindmill/internal/config"
	"github.com/snarg/mindmill/internal/fetch"
	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/outline"
	"github.com/snarg/mindmill/internal/pipeline"
	"github.com/snarg/mindmill/internal/remote"
	"github.com/snarg/mindmill/internal/retry"
	"github.com/snarg/mindmill/internal/storage"
	"github.com/snarg/mindmill/internal/transcribe"
	"github.com/snarg/mindmill/internal/transform"
	"github.com/snarg/mindmill/internal/watch"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `mindmill turns talks, podcasts, and videos into transcripts and outlines.

Usage:
  mindmill [flags] <url | audio file | pasted text>
  mindmill [flags] -watch <dir>

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	startTime := time.Now()

	var (
		envFile     = flag.String("env", "", "path to .env file (default .env)")
		logLevel    = flag.String("log-level", "", "log level: trace, debug, info, warn, error")
		pretty      = flag.Bool("pretty", false, "human-readable log output")
		dataDir     = flag.String("data-dir", "", "working directory for audio, cache, and artifacts")
		httpAddr    = flag.String("http", "", "ops server listen address, e.g. :8080 (empty = disabled)")
		watchDir    = flag.String("watch", "", "process audio files dropped into this directory")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("mindmill %s (commit=%s, built=%s)\n", version, commit, date)
		return
	}
	if (*watchDir == "" && flag.NArg() != 1) || (*watchDir != "" && flag.NArg() != 0) {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.Overrides{
		EnvFile:  *envFile,
		DataDir:  *dataDir,
		HTTPAddr: *httpAddr,
		LogLevel: *logLevel,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if *pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("mindmill starting")

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directories")
	}
	if err := audio.CheckTools(cfg.FFmpegPath, cfg.FFprobePath); err != nil {
		log.Fatal().Err(err).Msg("required tools missing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, caches := buildPipeline(ctx, cfg, log)

	var w *watch.Watcher
	if *watchDir != "" {
		if err := os.MkdirAll(*watchDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", *watchDir).Msg("cannot create watch directory")
		}
		w = watch.New(*watchDir, func(ctx context.Context, path string) error {
			_, err := pipe.Process(ctx, pipeline.NewJob(path))
			return err
		}, log)
	}

	// ws stays nil when not watching; the collector treats nil as absent.
	var ws metrics.WatchStats
	if w != nil {
		ws = w
	}
	prometheus.MustRegister(metrics.NewCollector(caches, ws))

	var srv *api.Server
	if cfg.HTTPAddr != "" {
		srv = api.NewServer(cfg, version, startTime, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("http server error")
			}
		}()
	}

	code := 0
	if w != nil {
		runWatch(ctx, w, log)
	} else {
		code = runOnce(ctx, pipe, flag.Arg(0), log)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		cancel()
	}
	log.Info().Msg("mindmill stopped")
	if code != 0 {
		os.Exit(code)
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pipeline.Pipeline, *cache.Store) {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.MaxElapsed = cfg.RetryMaxElapsed

	store, err := storage.NewCOSStore(storage.COSConfig{
		Bucket:        cfg.COSBucket,
		Region:        cfg.COSRegion,
		Endpoint:      cfg.COSEndpoint,
		AccessKey:     cfg.TencentSecretID,
		SecretKey:     cfg.TencentSecretKey,
		PresignExpiry: cfg.PresignExpiry,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object storage")
	}
	headCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.HeadBucket(headCtx); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.COSBucket).Msg("object storage not reachable, uploads may fail")
	}
	cancel()

	tasks := asr.NewClient(asr.Config{
		SecretID:    cfg.TencentSecretID,
		SecretKey:   cfg.TencentSecretKey,
		Region:      cfg.ASRRegion,
		EngineModel: cfg.ASREngineModel,
	}, log)

	caches := cache.NewStore(cfg.CacheDir(), log)
	engine := transcribe.NewEngine(transcribe.Config{
		ChunkThreshold: cfg.ChunkThresholdBytes(),
		PoolWidth:      cfg.PoolWidth,
		PollInterval:   cfg.ASRPollInterval,
		PollBudget:     cfg.ASRPollBudget,
	}, store, tasks, audio.NewProber(cfg.FFprobePath), audio.NewSplitter(cfg.FFmpegPath), caches, policy, log)

	llm := transform.NewClient(transform.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	}, log)

	pipe := pipeline.New(cfg, pipeline.Deps{
		Fetchers:   fetch.NewResolver(cfg.YtdlpPath, cfg.FFmpegPath, cfg.AudioDir(), log),
		Engine:     engine,
		Translator: transform.NewTranslator(llm, policy, log),
		Outliner:   outline.NewGenerator(llm, policy, cfg.LLMModel, log),
		Store:      caches,
		Identities: cache.NewIdentityCache(cfg.CacheDir(), log),
	}, log)
	return pipe, caches
}

func runOnce(ctx context.Context, pipe *pipeline.Pipeline, reference string, log zerolog.Logger) int {
	res, err := pipe.Process(ctx, pipeline.NewJob(reference))
	if err != nil {
		switch kind, _ := remote.KindOf(err); {
		case pipeline.IsCancelled(err):
			log.Warn().Msg("interrupted before completion")
		case kind == remote.KindBalance:
			log.Error().Err(err).Msg("remote account balance exhausted, top up and retry")
		case kind == remote.KindAuth:
			log.Error().Err(err).Msg("remote credentials rejected, check TENCENT_SECRET_ID/KEY and LLM_API_KEY")
		default:
			log.Error().Err(err).Msg("processing failed")
		}
		return 1
	}

	fmt.Printf("\nTitle:      %s\n", res.Title)
	fmt.Printf("Transcript: %s\n", res.TranscriptPath)
	fmt.Printf("Outline:    %s\n", res.OutlinePath)
	if res.Translated != "" {
		fmt.Println("Translated: yes")
	}
	if res.OutlineDegraded {
		fmt.Println("Note: no outline candidate passed validation; the richest one was kept.")
	}
	fmt.Printf("\n%s\n", preview(res.Original, 500))
	return 0
}

func runWatch(ctx context.Context, w *watch.Watcher, log zerolog.Logger) {
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start watcher")
	}
	defer w.Stop()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
}

// preview returns the first n runes of text for terminal display.
func preview(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "..."
}
