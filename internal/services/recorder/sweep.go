package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepBefore removes JPEG evidence under root last modified before cutoff,
// then any person directory the sweep left empty. It returns the number of
// files removed.
func SweepBefore(root string, cutoff time.Time) (int, error) {
	touched := map[string]struct{}{}
	removed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			log.Warn().Err(err).Str("path", path).Msg("Failed to read evidence path")
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".jpg") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove expired evidence")
			return nil
		}
		removed++
		touched[filepath.Dir(path)] = struct{}{}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep %s: %w", root, err)
	}

	dirs := make([]string, 0, len(touched))
	for dir := range touched {
		dirs = append(dirs, dir)
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if filepath.Clean(dir) == filepath.Clean(root) {
			continue
		}
		// Fails harmlessly while the directory still holds files.
		_ = os.Remove(dir)
	}

	if removed > 0 {
		log.Info().Str("root", root).Int("removed", removed).Time("cutoff", cutoff).Msg("Removed expired evidence")
	}
	return removed, nil
}
