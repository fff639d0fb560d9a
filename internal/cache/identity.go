package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Identity records a completed fetch so a later run for the same
// platform content ID can skip the download.
type Identity struct {
	Title       string    `json:"title"`
	AudioPath   string    `json:"audio_path"`
	OriginalURL string    `json:"original_url"`
	CachedAt    time.Time `json:"cached_at"`
}

// IdentityCache maps platform content IDs to fetch results. A hit
// requires the recorded audio file to still exist on disk; stale
// entries are ignored rather than deleted.
type IdentityCache struct {
	root string
	log  zerolog.Logger
}

func NewIdentityCache(root string, log zerolog.Logger) *IdentityCache {
	return &IdentityCache{
		root: root,
		log:  log.With().Str("component", "identity_cache").Logger(),
	}
}

func (c *IdentityCache) path(platform, id string) string {
	return filepath.Join(c.root, "identity", platform+"-"+id+".json")
}

// Lookup returns the recorded fetch result for (platform, id) if the
// entry parses and its audio file is still on disk.
func (c *IdentityCache) Lookup(platform, id string) (*Identity, bool) {
	data, err := os.ReadFile(c.path(platform, id))
	if err != nil {
		return nil, false
	}
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		c.log.Warn().Err(err).Str("platform", platform).Str("id", id).
			Msg("corrupt identity entry, treating as miss")
		return nil, false
	}
	if ident.AudioPath == "" {
		return nil, false
	}
	if _, err := os.Stat(ident.AudioPath); err != nil {
		c.log.Debug().Str("platform", platform).Str("id", id).
			Str("audio_path", ident.AudioPath).Msg("identity entry points at missing file")
		return nil, false
	}
	return &ident, true
}

// Save records a fetch result for (platform, id).
func (c *IdentityCache) Save(platform, id string, ident Identity) error {
	if ident.CachedAt.IsZero() {
		ident.CachedAt = time.Now().UTC()
	}
	dir := filepath.Join(c.root, "identity")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, c.path(platform, id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
