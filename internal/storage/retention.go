package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/engels74/stacksave/internal/logging"
)

// Rotator applies count-based retention to a directory of generated
// files (archives, logs): newest N by modification time survive, the
// rest are removed.
type Rotator struct {
	logger *logging.Logger
	dryRun bool
}

// NewRotator creates a retention rotator.
func NewRotator(logger *logging.Logger, dryRun bool) *Rotator {
	return &Rotator{logger: logger, dryRun: dryRun}
}

// Rotate removes files in dir matching pattern beyond the newest keep.
// It returns the number of files removed. Individual removal failures
// are logged and skipped; only listing failures are returned.
func (r *Rotator) Rotate(dir, pattern string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("retention count must be at least 1, got %d", keep)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, fmt.Errorf("list %s/%s: %w", dir, pattern, err)
	}

	type entry struct {
		path    string
		modTime int64
	}

	entries := make([]entry, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		entries = append(entries, entry{path: path, modTime: info.ModTime().UnixNano()})
	}

	if len(entries) <= keep {
		r.logger.Debug("Retention: %d file(s) matching %s, keeping all (limit %d)", len(entries), pattern, keep)
		return 0, nil
	}

	// Newest first; everything past keep goes.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime > entries[j].modTime
	})

	removed := 0
	for _, e := range entries[keep:] {
		if r.dryRun {
			r.logger.Info("[DRY RUN] Would remove old file: %s", e.path)
			removed++
			continue
		}
		if err := os.Remove(e.path); err != nil {
			r.logger.Warning("Cannot remove old file %s: %v", e.path, err)
			continue
		}
		r.logger.Info("Removed old file: %s", e.path)
		removed++
	}

	return removed, nil
}
