package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSManagerDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "staging")
	mgr, err := NewFSManager(root)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	dir, err := mgr.Dir("stage-a")
	if err != nil {
		t.Fatalf("Dir() error = %v", err)
	}
	if want := filepath.Join(root, "stage-a"); dir != want {
		t.Fatalf("Dir() = %q, want %q", dir, want)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("Dir() must not create the directory, stat err = %v", err)
	}
}

func TestFSManagerRejectsUnsafeStageIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, " padded"} {
		if _, err := mgr.Dir(id); err == nil {
			t.Errorf("Dir(%q) expected error", id)
		}
	}
}

func TestNewFSManagerRejectsEmptyRoot(t *testing.T) {
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("NewFSManager(blank) expected error")
	}
}

func TestFSManagerRemove(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	dir, _ := mgr.Dir("stage-a")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if err := mgr.Remove(context.Background(), "stage-a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("staging dir still present, stat err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "stage-a"); err != nil {
		t.Fatalf("Remove() on missing dir error = %v", err)
	}
}

func TestFSManagerCleanup(t *testing.T) {
	root := t.TempDir()
	mgr, err := NewFSManager(root)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	for _, id := range []string{"old", "kept", "fresh"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatalf("MkdirAll(%s) error = %v", id, err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"old", "kept"} {
		if err := os.Chtimes(filepath.Join(root, id), old, old); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", id, err)
		}
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour, "kept")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("DeletedDirs = %d, want 1", report.DeletedDirs)
	}
	if _, err := os.Stat(filepath.Join(root, "old")); !os.IsNotExist(err) {
		t.Fatalf("old staging dir should be removed")
	}
	for _, id := range []string{"kept", "fresh"} {
		if _, err := os.Stat(filepath.Join(root, id)); err != nil {
			t.Fatalf("%s staging dir should remain: %v", id, err)
		}
	}
}

func TestFSManagerCleanupMissingRoot(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	report, err := mgr.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("DeletedDirs = %d, want 0", report.DeletedDirs)
	}
}
