package workspace

import (
	"context"
	"time"
)

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int `json:"deleted_dirs"`
}

// Manager governs staging directories under a single staging root. Each
// stage gets its own directory named after its id.
type Manager interface {
	// Root returns the staging root directory.
	Root() string

	// Dir resolves the staging directory for stageID without touching disk.
	Dir(stageID string) (string, error)

	// Remove deletes the staging directory for stageID. Missing is not an error.
	Remove(ctx context.Context, stageID string) error

	// Cleanup removes staging directories older than olderThan, skipping keep.
	Cleanup(ctx context.Context, olderThan time.Duration, keep ...string) (CleanupReport, error)
}

// Beginner copies the active directory into a fresh staging directory.
type Beginner interface {
	Begin(ctx context.Context, activeDir, stagingDir string, exclusions *Exclusions) error
}

// Committer promotes a staging directory over the active directory.
type Committer interface {
	Commit(ctx context.Context, stagingDir, activeDir string, exclusions *Exclusions) error
	DirectoryExists(dir string) bool
}
