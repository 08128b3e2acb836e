package storage

import (
	"log"
	"os"
	"path/filepath"
	"time"
)

// CleanStaleParts removes .part staging files that have not been
// touched within the retention window. They are left behind when the
// process dies mid-transfer and the job is never resumed; live
// transfers keep their staging file's mtime fresh.
func CleanStaleParts(dir string, retention time.Duration, logger *log.Logger) (int, error) {
	pattern := filepath.Join(dir, "*", "*.part")
	files, err := filepath.Glob(pattern)
	if err != nil {
		logger.Printf("staging cleanup error: %v", err)
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	cleaned := 0

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				logger.Printf("failed to remove staging file %s: %v", f, err)
			} else {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		logger.Printf("cleaned up %d stale staging files", cleaned)
	}
	return cleaned, nil
}
