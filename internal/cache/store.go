// Package cache persists per-stage pipeline results as files keyed by
// content hash, plus a secondary identity cache for fetch results. A
// cache problem is never fatal: unreadable entries are misses.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Stage identifies which pipeline result an entry holds.
type Stage string

const (
	StageUploadedURL Stage = "url"
	StageTranscript  Stage = "asr"
	StageOutline     Stage = "outline"
)

func (s Stage) ext() string {
	switch s {
	case StageUploadedURL:
		return ".url"
	case StageTranscript:
		return ".txt"
	case StageOutline:
		return ".md"
	default:
		return ".dat"
	}
}

// Store is a file-backed content-addressed cache. Entries live under
// <root>/<stage>/<key><ext> and are write-once for the life of the
// process: the first successful Put wins and later Puts are no-ops.
type Store struct {
	root string
	log  zerolog.Logger
}

func NewStore(root string, log zerolog.Logger) *Store {
	return &Store{
		root: root,
		log:  log.With().Str("component", "cache").Logger(),
	}
}

func (s *Store) path(stage Stage, key string) string {
	return filepath.Join(s.root, string(stage), key+stage.ext())
}

// Get returns the payload cached for key at stage. Missing, empty, or
// unreadable entries are misses; Get never surfaces an error.
func (s *Store) Get(stage Stage, key string) (string, bool) {
	path := s.path(stage, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("unreadable cache entry, treating as miss")
		}
		return "", false
	}
	payload := string(data)
	if strings.TrimSpace(payload) == "" {
		s.log.Warn().Str("path", path).Msg("empty cache entry, treating as miss")
		return "", false
	}
	return payload, true
}

// Put stores payload for key at stage. If a readable entry already
// exists the call is a no-op; the original payload stays authoritative.
func (s *Store) Put(stage Stage, key, payload string) error {
	if _, ok := s.Get(stage, key); ok {
		return nil
	}
	dir := filepath.Join(s.root, string(stage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(stage, key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	s.log.Debug().Str("stage", string(stage)).Str("key", key).Msg("cache entry written")
	return nil
}

// Discard removes the entry for key at stage so a later Put can replace
// it. Used when a cached payload turns out to be unusable. Best effort:
// a failed remove is logged and the entry stays.
func (s *Store) Discard(stage Stage, key string) {
	path := s.path(stage, key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", path).Msg("could not discard cache entry")
		return
	}
	s.log.Debug().Str("stage", string(stage)).Str("key", key).Msg("cache entry discarded")
}

// EntryCounts reports how many entries each stage currently holds.
// A stage whose directory is missing or unreadable counts as zero.
func (s *Store) EntryCounts() map[string]int {
	counts := make(map[string]int, 3)
	for _, stage := range []Stage{StageUploadedURL, StageTranscript, StageOutline} {
		n := 0
		entries, err := os.ReadDir(filepath.Join(s.root, string(stage)))
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
					n++
				}
			}
		}
		counts[string(stage)] = n
	}
	return counts
}
