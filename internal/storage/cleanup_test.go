package storage

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanStaleParts(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	jobDir := filepath.Join(dir, "job-1")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(jobDir, "old.iso.part")
	fresh := filepath.Join(jobDir, "live.iso.part")
	final := filepath.Join(jobDir, "done.iso")
	for _, f := range []string{stale, fresh, final} {
		if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	cleaned, err := CleanStaleParts(dir, time.Hour, logger)
	if err != nil {
		t.Fatalf("CleanStaleParts: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", cleaned)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale staging file should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh staging file should survive")
	}
	if _, err := os.Stat(final); err != nil {
		t.Error("finished files are never touched")
	}
}

func TestCleanStalePartsEmptyDir(t *testing.T) {
	cleaned, err := CleanStaleParts(t.TempDir(), time.Hour, log.New(io.Discard, "", 0))
	if err != nil || cleaned != 0 {
		t.Errorf("cleaned = %d, err = %v", cleaned, err)
	}
}
