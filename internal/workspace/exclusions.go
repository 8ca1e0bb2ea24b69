package workspace

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Exclusions is a deduplicated set of path patterns, relative to the root
// being copied and written with forward slashes. A pattern excludes a path
// when it equals the path, names one of its parent directories, or matches
// it (or its base name) as a glob.
type Exclusions struct {
	patterns map[string]struct{}
}

func NewExclusions(patterns ...string) *Exclusions {
	e := &Exclusions{patterns: make(map[string]struct{})}
	e.Add(patterns...)
	return e
}

// Add normalizes and inserts patterns. Blank and root patterns are ignored.
func (e *Exclusions) Add(patterns ...string) {
	for _, p := range patterns {
		if n := normalizePattern(p); n != "" {
			e.patterns[n] = struct{}{}
		}
	}
}

// AddPath inserts abs as a pattern if it lies inside root.
func (e *Exclusions) AddPath(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	e.Add(rel)
	return true
}

// Patterns returns the set sorted for stable output.
func (e *Exclusions) Patterns() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.patterns))
	for p := range e.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.patterns)
}

// Excluded reports whether rel (relative, OS separators allowed) is excluded.
func (e *Exclusions) Excluded(rel string) bool {
	if e == nil || len(e.patterns) == 0 {
		return false
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." {
		return false
	}
	base := path.Base(rel)
	for p := range e.patterns {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

func normalizePattern(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "./")
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}
