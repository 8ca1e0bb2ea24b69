package workspace

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

type fileDigest struct {
	rel  string
	mode fs.FileMode
	sum  []byte
}

// Fingerprint returns a BLAKE3 digest over every non-excluded file under dir:
// relative path, mode and content. Two trees with the same fingerprint have
// the same content. Files are hashed in parallel.
func Fingerprint(ctx context.Context, dir string, exclusions *Exclusions) (string, error) {
	var files []fileDigest
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
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
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileDigest{rel: filepath.ToSlash(rel), mode: info.Mode()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %q: %w", dir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range files {
		f := &files[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := hashEntry(filepath.Join(dir, filepath.FromSlash(f.rel)), f.mode)
			if err != nil {
				return err
			}
			f.sum = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	tree := blake3.New()
	for _, f := range files {
		fmt.Fprintf(tree, "%s\x00%o\x00", f.rel, f.mode.Perm()|f.mode.Type())
		_, _ = tree.Write(f.sum)
	}
	return hex.EncodeToString(tree.Sum(nil)), nil
}

func hashEntry(path string, mode fs.FileMode) ([]byte, error) {
	h := blake3.New()
	if mode&os.ModeSymlink != 0 {
		link, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		_, _ = io.WriteString(h, link)
		return h.Sum(nil), nil
	}
	if !mode.IsRegular() {
		return h.Sum(nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
