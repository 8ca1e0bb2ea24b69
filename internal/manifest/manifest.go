// Package manifest reads and edits the go.mod of a staged tree.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// FileName is the manifest every managed directory carries.
const FileName = "go.mod"

// ErrNoManifest is returned when a directory has no go.mod.
var ErrNoManifest = errors.New("go.mod not found")

// Requirement is one module@version the caller wants staged.
type Requirement struct {
	Path    string `json:"path" yaml:"path"`
	Version string `json:"version" yaml:"version"`
}

func (r Requirement) String() string { return r.Path + "@" + r.Version }

// Validate checks the module path and that the version is canonical semver.
func (r Requirement) Validate() error {
	if err := module.CheckPath(r.Path); err != nil {
		return fmt.Errorf("invalid module path %q: %w", r.Path, err)
	}
	if !semver.IsValid(r.Version) {
		return fmt.Errorf("invalid version %q for %s", r.Version, r.Path)
	}
	if semver.Canonical(r.Version) != r.Version {
		return fmt.Errorf("version %q for %s is not canonical (want %s)", r.Version, r.Path, semver.Canonical(r.Version))
	}
	return nil
}

// ParseRequirement parses "path@version". A version missing its leading
// "v" is accepted and normalized.
func ParseRequirement(s string) (Requirement, error) {
	path, version, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || path == "" || version == "" {
		return Requirement{}, fmt.Errorf("requirement %q must be module@version", s)
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	r := Requirement{Path: path, Version: version}
	if err := r.Validate(); err != nil {
		return Requirement{}, err
	}
	return r, nil
}

// Read parses <dir>/go.mod.
func Read(dir string) (*modfile.File, error) {
	path := filepath.Join(dir, FileName)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read go.mod: %w", err)
	}
	f, err := modfile.Parse(path, content, nil)
	if err != nil {
		return nil, fmt.Errorf("parse go.mod: %w", err)
	}
	return f, nil
}

// InstalledVersion returns the version of modulePath required by
// <dir>/go.mod. found is false when the module is not required.
func InstalledVersion(dir, modulePath string) (version string, found bool, err error) {
	f, err := Read(dir)
	if err != nil {
		return "", false, err
	}
	for _, req := range f.Require {
		if req.Mod.Path == modulePath {
			return req.Mod.Version, true, nil
		}
	}
	return "", false, nil
}

// Missing lists the requirements that <dir>/go.mod does not carry at the
// requested version.
func Missing(dir string, reqs []Requirement) ([]string, error) {
	f, err := Read(dir)
	if err != nil {
		return nil, err
	}
	have := make(map[string]string, len(f.Require))
	for _, req := range f.Require {
		have[req.Mod.Path] = req.Mod.Version
	}

	var missing []string
	for _, r := range reqs {
		got, ok := have[r.Path]
		switch {
		case !ok:
			missing = append(missing, fmt.Sprintf("%s is not required", r.Path))
		case got != r.Version:
			missing = append(missing, fmt.Sprintf("%s is at %s, want %s", r.Path, got, r.Version))
		}
	}
	return missing, nil
}

// GoModRequirer applies requirements to the go.mod of a staged tree.
type GoModRequirer struct{}

// Require adds or updates every requirement in <dir>/go.mod and rewrites
// the file atomically. Nothing is written if any requirement is invalid.
func (GoModRequirer) Require(ctx context.Context, dir string, reqs []Requirement) error {
	if len(reqs) == 0 {
		return fmt.Errorf("no requirements given")
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := Read(dir)
	if err != nil {
		return err
	}
	if f.Module != nil {
		for _, r := range reqs {
			if r.Path == f.Module.Mod.Path {
				return fmt.Errorf("module %s cannot require itself", r.Path)
			}
		}
	}

	for _, r := range reqs {
		if err := f.AddRequire(r.Path, r.Version); err != nil {
			return fmt.Errorf("require %s: %w", r, err)
		}
	}
	f.Cleanup()

	out, err := f.Format()
	if err != nil {
		return fmt.Errorf("format go.mod: %w", err)
	}
	return writeAtomic(filepath.Join(dir, FileName), out)
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".go.mod-*")
	if err != nil {
		return fmt.Errorf("create temp go.mod: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp go.mod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp go.mod: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp go.mod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace go.mod: %w", err)
	}
	return nil
}
