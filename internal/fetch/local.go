package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalFetcher serves references that are already files on disk. The
// title is the file name without its extension.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, fmt.Errorf("local media %s: %w", ref, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("local media: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("local media %s: is a directory", abs)
	}
	title := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	return &Media{Title: title, AudioPath: abs}, nil
}
