// Package watch monitors a drop directory for audio files and feeds
// them to the pipeline, one job at a time.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/audio"
)

const defaultDebounce = 2 * time.Second

// JobFunc processes one dropped audio file.
type JobFunc func(ctx context.Context, path string) error

// Watcher turns filesystem events on one directory into pipeline jobs.
// Jobs run on a single consumer goroutine so only one file is processed
// at a time.
type Watcher struct {
	dir      string
	debounce time.Duration
	run      JobFunc
	log      zerolog.Logger

	fsw   *fsnotify.Watcher
	queue chan string

	// Debounce: coalesce rapid Create+Write events on the same file.
	mu     sync.Mutex
	timers map[string]*time.Timer

	seen      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func New(dir string, run JobFunc, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: defaultDebounce,
		run:      run,
		log:      log.With().Str("component", "watcher").Logger(),
		queue:    make(chan string, 64),
		timers:   make(map[string]*time.Timer),
	}
}

// Seen reports how many audio files the watcher has noticed.
func (w *Watcher) Seen() int64 { return w.seen.Load() }

// Processed reports how many files completed successfully.
func (w *Watcher) Processed() int64 { return w.processed.Load() }

// Failed reports how many files errored.
func (w *Watcher) Failed() int64 { return w.failed.Load() }

// Start begins watching. Audio files already in the directory are
// enqueued oldest first; new files are enqueued once their writes
// settle. Runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.log.Info().Str("dir", w.dir).Msg("watching for dropped audio")

	go w.loop(ctx)
	go w.consume(ctx)
	go w.backfill(ctx)
	return nil
}

// Stop closes the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.log.Info().
		Int64("seen", w.seen.Load()).
		Int64("processed", w.processed.Load()).
		Int64("failed", w.failed.Load()).
		Msg("watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !audio.IsAudioFile(ev.Name) {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// schedule delays the enqueue until writes on path have settled;
// further events within the window push the timer back.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.seen.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
		case w.queue <- path:
		}
	})
}

func (w *Watcher) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			log := w.log.With().Str("path", path).Logger()
			log.Info().Msg("processing dropped file")
			if err := w.run(ctx, path); err != nil {
				w.failed.Add(1)
				log.Error().Err(err).Msg("dropped file failed")
				continue
			}
			w.processed.Add(1)
		}
	}
}

// backfill enqueues audio files already present at startup, oldest
// first by modification time.
func (w *Watcher) backfill(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("backfill scan failed")
		return
	}

	type pending struct {
		path string
		mod  time.Time
	}
	var files []pending
	for _, e := range entries {
		if e.IsDir() || !audio.IsAudioFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, pending{path: filepath.Join(w.dir, e.Name()), mod: info.ModTime()})
	}
	if len(files) == 0 {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	w.log.Info().Int("files", len(files)).Msg("backfill starting")
	for _, f := range files {
		w.seen.Add(1)
		select {
		case <-ctx.Done():
			return
		case w.queue <- f.path:
		}
	}
}
