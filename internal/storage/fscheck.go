package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := NearestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable ownership locking. Point state.path at local disk",
			path,
			fsType,
		)
	}

	return nil
}

// NearestExisting returns path, made absolute, or its closest existing ancestor.
func NearestExisting(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// FreeBytes reports the space available to unprivileged users on the
// filesystem holding path, or its nearest existing parent.
func FreeBytes(path string) (uint64, error) {
	inspectPath, err := NearestExisting(path)
	if err != nil {
		return 0, err
	}
	return freeBytes(inspectPath)
}

// IsNetworkPath reports whether path lives on a known network filesystem.
func IsNetworkPath(path string) (bool, string, error) {
	inspectPath, err := NearestExisting(path)
	if err != nil {
		return false, "", err
	}
	fsType, err := detectFilesystemType(inspectPath)
	if err != nil {
		return false, "", err
	}
	return isNetworkFilesystem(fsType), fsType, nil
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}

// Writable reports whether dir exists, is a directory, and can be written
// by this process.
func Writable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return checkWritable(dir)
}
