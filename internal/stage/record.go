// Package stage implements the staging lifecycle: begin, require, apply and
// destroy of a single staged copy of the active directory, each transition
// gated by validation events and by the ownership lock.
package stage

import (
	"time"

	"github.com/mattjoyce/stagehand/internal/manifest"
)

// State is a point in the stage lifecycle.
type State string

const (
	Ready     State = "ready"
	Created   State = "created"
	Available State = "available"
	Applying  State = "applying"
	Applied   State = "applied"
	Destroyed State = "destroyed"
	// Corrupted is terminal: apply failed part way and the active
	// directory must be restored by hand.
	Corrupted State = "corrupted"
)

// Record is the persisted description of the active stage. It never holds
// the lock token.
type Record struct {
	ID           string                 `json:"id"`
	State        State                  `json:"state"`
	ActiveDir    string                 `json:"active_dir"`
	StagingDir   string                 `json:"staging_dir"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Requirements []manifest.Requirement `json:"requirements,omitempty"`
}

// mergeRequirements replaces entries with the same module path and
// appends new ones, preserving first-seen order.
func mergeRequirements(have, add []manifest.Requirement) []manifest.Requirement {
	out := append([]manifest.Requirement(nil), have...)
	for _, r := range add {
		replaced := false
		for i := range out {
			if out[i].Path == r.Path {
				out[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, r)
		}
	}
	return out
}
