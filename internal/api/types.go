package api

import (
	"fmt"
	"time"

	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/updater"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// RequirementsRequest is the JSON body for POST /stages and
// POST /stages/{id}/require. Entries are "module@version".
type RequirementsRequest struct {
	Requirements []string `json:"requirements"`
}

func (r RequirementsRequest) parse() ([]manifest.Requirement, error) {
	reqs := make([]manifest.Requirement, 0, len(r.Requirements))
	for _, s := range r.Requirements {
		req, err := manifest.ParseRequirement(s)
		if err != nil {
			return nil, fmt.Errorf("invalid requirement %q: %w", s, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// StageResponse describes a stage after a lifecycle call. Token is only
// set by POST /stages.
type StageResponse struct {
	Stage   stage.Record        `json:"stage"`
	Token   string              `json:"token,omitempty"`
	Results []validation.Result `json:"results,omitempty"`
}

// CurrentStageResponse is returned by GET /stages/current.
type CurrentStageResponse struct {
	Stage *stage.Record       `json:"stage,omitempty"`
	Lock  *lock.OwnershipLock `json:"lock,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error      string              `json:"error"`
	Results    []validation.Result `json:"results,omitempty"`
	StageID    string              `json:"stage_id,omitempty"`
	HolderID   string              `json:"holder_id,omitempty"`
	StagingDir string              `json:"staging_dir,omitempty"`
	// Restore is set when the active directory must be restored from backup.
	Restore bool `json:"restore,omitempty"`
	// Token is set when a failed begin still left a stage to destroy.
	Token   string           `json:"token,omitempty"`
	Outcome *updater.Outcome `json:"outcome,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string      `json:"status"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StageID       string      `json:"stage_id,omitempty"`
	StageState    stage.State `json:"stage_state,omitempty"`
}

// StatusResponse is returned by the status endpoints.
type StatusResponse struct {
	validation.Report
	CheckedAt time.Time `json:"checked_at"`
}

// HistoryResponse is returned by GET /stages/{id}/history.
type HistoryResponse struct {
	StageID     string             `json:"stage_id"`
	Transitions []state.Transition `json:"transitions"`
}
