package stage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// Stage is a handle on the active stage, valid only while its id and token
// match the persisted ownership lock. Every mutating call re-verifies the
// lock and reloads the persisted record first, so a stale handle cannot act
// after the stage was destroyed or reclaimed elsewhere.
type Stage struct {
	stager *Stager
	token  string
	rec    Record
}

func (st *Stage) ID() string         { return st.rec.ID }
func (st *Stage) Token() string      { return st.token }
func (st *Stage) State() State       { return st.rec.State }
func (st *Stage) StagingDir() string { return st.rec.StagingDir }
func (st *Stage) ActiveDir() string  { return st.rec.ActiveDir }
func (st *Stage) CreatedAt() time.Time {
	return st.rec.CreatedAt
}

// Requirements lists everything required into the staged tree so far.
func (st *Stage) Requirements() []manifest.Requirement {
	return append([]manifest.Requirement(nil), st.rec.Requirements...)
}

// Record returns a copy of the last known persisted record.
func (st *Stage) Record() Record {
	rec := st.rec
	rec.Requirements = st.Requirements()
	return rec
}

// Require applies reqs to the staged manifest, wrapped in PreRequire and
// PostRequire. A PreRequire failure leaves the staged tree untouched.
func (st *Stage) Require(ctx context.Context, reqs []manifest.Requirement) ([]validation.Result, error) {
	s := st.stager
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no requirements given")
	}
	if err := st.guard(ctx, "require", Available); err != nil {
		return nil, err
	}

	results, err := s.validate(ctx, newValidationEvent(events.PreRequire, st, s.activeDir, reqs))
	if err != nil {
		return results, err
	}

	if err := s.requirer.Require(ctx, st.rec.StagingDir, reqs); err != nil {
		return results, fmt.Errorf("require in stage %q: %w", st.rec.ID, err)
	}
	st.rec.Requirements = mergeRequirements(st.rec.Requirements, reqs)
	if err := s.transition(ctx, st, Available, "required", requirementList(reqs)); err != nil {
		return results, err
	}

	post, err := s.validate(ctx, newValidationEvent(events.PostRequire, st, s.activeDir, reqs))
	return append(results, post...), err
}

// Apply promotes the staged tree over the active directory. It is the one
// irreversible step: a commit failure leaves the stage Corrupted and
// returns *ApplyFailure; nothing is retried.
func (st *Stage) Apply(ctx context.Context) ([]validation.Result, error) {
	s := st.stager
	if err := st.guard(ctx, "apply", Available); err != nil {
		return nil, err
	}

	results, err := s.validate(ctx, newValidationEvent(events.PreApply, st, s.activeDir, st.rec.Requirements))
	if err != nil {
		return results, err
	}

	exclusions, err := s.collectIgnored(ctx, st)
	if err != nil {
		return results, err
	}
	if !s.committer.DirectoryExists(st.rec.StagingDir) {
		return results, fmt.Errorf("staging directory %s for stage %q is missing", st.rec.StagingDir, st.rec.ID)
	}

	if err := s.transition(ctx, st, Applying, "applying", ""); err != nil {
		return results, err
	}

	if err := s.committer.Commit(ctx, st.rec.StagingDir, s.activeDir, exclusions); err != nil {
		failure := &ApplyFailure{StageID: st.rec.ID, StagingDir: st.rec.StagingDir, Err: err}
		s.logger.Error("apply failed, stage corrupted", "stage_id", st.rec.ID, "staging_dir", st.rec.StagingDir, "error", err)
		if terr := s.transition(ctx, st, Corrupted, "apply_failed", err.Error()); terr != nil {
			s.logger.Error("failed to persist corrupted state", "stage_id", st.rec.ID, "error", terr)
		}
		return results, failure
	}

	if err := s.transition(ctx, st, Applied, "applied", ""); err != nil {
		return results, err
	}

	post, err := s.validate(ctx, newValidationEvent(events.PostApply, st, s.activeDir, st.rec.Requirements))
	return append(results, post...), err
}

// Destroy removes the staging directory and releases the lock. A
// PreDestroy failure leaves everything in place.
func (st *Stage) Destroy(ctx context.Context) ([]validation.Result, error) {
	s := st.stager
	if err := st.guard(ctx, "destroy", Created, Available, Applied); err != nil {
		return nil, err
	}

	results, err := s.validate(ctx, newValidationEvent(events.PreDestroy, st, s.activeDir, st.rec.Requirements))
	if err != nil {
		return results, err
	}

	if err := s.workspace.Remove(ctx, st.rec.ID); err != nil {
		return results, err
	}
	// The lock goes first: if another stage took over meanwhile, Release
	// fails and its record is never touched.
	if err := s.locks.Release(ctx, st.rec.ID, st.token); err != nil {
		return results, err
	}
	if err := s.deleteRecord(ctx, st.rec.ID); err != nil {
		return results, err
	}

	st.rec.State = Destroyed
	st.rec.UpdatedAt = s.now().UTC()
	s.note(ctx, st.rec, "destroyed", "")

	post, err := s.validate(ctx, newValidationEvent(events.PostDestroy, st, s.activeDir, st.rec.Requirements))
	return append(results, post...), err
}

// guard verifies ownership, refreshes the record and checks the state.
func (st *Stage) guard(ctx context.Context, op string, allowed ...State) error {
	s := st.stager
	if _, err := s.locks.Verify(ctx, st.rec.ID, st.token); err != nil {
		return err
	}
	rec, ok, err := s.loadRecord(ctx)
	if err != nil {
		return err
	}
	if !ok || rec.ID != st.rec.ID {
		return fmt.Errorf("stage %q holds the lock but has no record", st.rec.ID)
	}
	st.rec = rec
	if !slices.Contains(allowed, rec.State) {
		return &StateError{StageID: rec.ID, State: rec.State, Op: op}
	}
	return nil
}

func requirementList(reqs []manifest.Requirement) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}
