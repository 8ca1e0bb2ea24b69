package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager manages staging directories on local disk.
type fsManager struct {
	root string
	now  func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed staging manager rooted at root.
func NewFSManager(root string) (*fsManager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("staging root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}

	return &fsManager{
		root: abs,
		now:  time.Now,
	}, nil
}

func (m *fsManager) Root() string { return m.root }

func (m *fsManager) Dir(stageID string) (string, error) {
	if err := validateStageID(stageID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, stageID), nil
}

func (m *fsManager) Remove(ctx context.Context, stageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := m.Dir(stageID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staging directory for stage %q: %w", stageID, err)
	}
	return nil
}

// Cleanup removes staging directories older than olderThan based on directory
// modification time. Directories named in keep are never removed.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration, keep ...string) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read staging root: %w", err)
	}

	skip := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		skip[k] = struct{}{}
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := skip[entry.Name()]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read staging entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return report, fmt.Errorf("remove staging directory %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func validateStageID(stageID string) error {
	trimmed := strings.TrimSpace(stageID)
	if trimmed == "" {
		return fmt.Errorf("stage id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("stage id %q is invalid", stageID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("stage id %q must not contain path separators", stageID)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != stageID {
		return fmt.Errorf("stage id %q is invalid", stageID)
	}
	return nil
}
