package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/types"
)

func makeAgedFiles(t *testing.T, dir string, names []string) {
	t.Helper()
	base := time.Now().Add(-time.Duration(len(names)) * time.Hour)
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		// Earlier names are older.
		ts := base.Add(time.Duration(i) * time.Hour)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
}

func TestRotateKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	makeAgedFiles(t, dir, []string{
		"host-backup-01.tar.gz.age",
		"host-backup-02.tar.gz.age",
		"host-backup-03.tar.gz.age",
		"host-backup-04.tar.gz.age",
		"host-backup-05.tar.gz.age",
	})

	logger := logging.New(types.LogLevelNone, false)
	r := NewRotator(logger, false)

	removed, err := r.Rotate(dir, "*.tar.gz.age", 2)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	remaining, _ := filepath.Glob(filepath.Join(dir, "*.tar.gz.age"))
	if len(remaining) != 2 {
		t.Fatalf("remaining = %v, want 2 files", remaining)
	}
	for _, path := range remaining {
		name := filepath.Base(path)
		if name != "host-backup-04.tar.gz.age" && name != "host-backup-05.tar.gz.age" {
			t.Errorf("old file survived: %s", name)
		}
	}
}

func TestRotateUnderLimitRemovesNothing(t *testing.T) {
	dir := t.TempDir()
	makeAgedFiles(t, dir, []string{"a.log", "b.log"})

	logger := logging.New(types.LogLevelNone, false)
	r := NewRotator(logger, false)

	removed, err := r.Rotate(dir, "*.log", 5)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestRotateIgnoresUnmatchedFiles(t *testing.T) {
	dir := t.TempDir()
	makeAgedFiles(t, dir, []string{"a.log", "b.log", "c.log", "keep.txt"})

	logger := logging.New(types.LogLevelNone, false)
	r := NewRotator(logger, false)

	if _, err := r.Rotate(dir, "*.log", 1); err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Error("unmatched file was removed")
	}
}

func TestRotateDryRun(t *testing.T) {
	dir := t.TempDir()
	makeAgedFiles(t, dir, []string{"a.log", "b.log", "c.log"})

	logger := logging.New(types.LogLevelNone, false)
	r := NewRotator(logger, true)

	removed, err := r.Rotate(dir, "*.log", 1)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (reported, not executed)", removed)
	}

	remaining, _ := filepath.Glob(filepath.Join(dir, "*.log"))
	if len(remaining) != 3 {
		t.Errorf("dry run deleted files: %v", remaining)
	}
}

func TestRotateInvalidKeep(t *testing.T) {
	logger := logging.New(types.LogLevelNone, false)
	r := NewRotator(logger, false)

	if _, err := r.Rotate(t.TempDir(), "*.log", 0); err == nil {
		t.Error("Rotate() expected error for keep=0")
	}
}
