package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Copier is the default file engine. It implements both Beginner and
// Committer with plain file copies; staged files never share inodes with
// the active tree.
type Copier struct{}

var (
	_ Beginner  = Copier{}
	_ Committer = Copier{}
)

// Begin copies activeDir into stagingDir, skipping excluded paths. The
// staging directory must not exist yet.
func (Copier) Begin(ctx context.Context, activeDir, stagingDir string, exclusions *Exclusions) error {
	info, err := os.Stat(activeDir)
	if err != nil {
		return fmt.Errorf("stat active directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("active path %q is not a directory", activeDir)
	}
	if _, err := os.Stat(stagingDir); err == nil {
		return fmt.Errorf("staging directory %q already exists", stagingDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat staging directory: %w", err)
	}

	if err := os.MkdirAll(stagingDir, info.Mode().Perm()); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	return copyTree(ctx, activeDir, stagingDir, exclusions)
}

// Commit makes activeDir equal stagingDir outside the exclusion set:
// changed and new files are copied over, and non-excluded files missing
// from staging are removed. Excluded paths in activeDir are left alone.
func (Copier) Commit(ctx context.Context, stagingDir, activeDir string, exclusions *Exclusions) error {
	if !(Copier{}).DirectoryExists(stagingDir) {
		return fmt.Errorf("staging directory %q does not exist", stagingDir)
	}
	if !(Copier{}).DirectoryExists(activeDir) {
		return fmt.Errorf("active directory %q does not exist", activeDir)
	}
	if err := copyTree(ctx, stagingDir, activeDir, exclusions); err != nil {
		return err
	}
	return pruneExtraneous(ctx, stagingDir, activeDir, exclusions)
}

func (Copier) DirectoryExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func copyTree(ctx context.Context, src, dst string, exclusions *Exclusions) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if exclusions.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if existing, err := os.Lstat(target); err == nil && !existing.IsDir() {
				if err := os.Remove(target); err != nil {
					return fmt.Errorf("replace %q with directory: %w", rel, err)
				}
			}
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %q: %w", rel, err)
			}
			return nil
		case d.Type()&os.ModeSymlink != 0:
			return copySymlink(path, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("read symlink %q: %w", src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("replace %q: %w", dst, err)
	}
	if err := os.Symlink(link, dst); err != nil {
		return fmt.Errorf("create symlink %q: %w", dst, err)
	}
	return nil
}

// copyFile writes src to a temp file beside dst and renames it into place,
// so a reader of dst never observes a partially written file.
func copyFile(src, dst string, mode os.FileMode) error {
	if existing, err := os.Lstat(dst); err == nil && existing.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("replace directory %q: %w", dst, err)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stagehand-*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", dst, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %q: %w", dst, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod %q: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("rename into %q: %w", dst, err)
	}
	return nil
}

// pruneExtraneous removes entries from dst that are absent in src. Deepest
// paths go first so directories are empty when they are removed.
func pruneExtraneous(ctx context.Context, src, dst string, exclusions *Exclusions) error {
	var extra []string
	err := filepath.WalkDir(dst, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if exclusions.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if _, err := os.Lstat(filepath.Join(src, rel)); os.IsNotExist(err) {
			extra = append(extra, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan active directory: %w", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(extra)))
	for _, path := range extra {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove extraneous %q: %w", path, err)
		}
	}
	return nil
}
