package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/validation"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

const (
	lockNamespace  = lock.Namespace
	recordKey      = "stage"
	statusCheckKey = "status_check"
)

// Store is the keyed state the stager persists its record into. The record
// is only ever written with CompareAndSwap so a stage cannot overwrite or
// delete a record that names another stage.
type Store interface {
	Get(ctx context.Context, namespace, key string) (state.Entry, bool, error)
	Set(ctx context.Context, namespace, key string, value json.RawMessage) error
	CompareAndSwap(ctx context.Context, namespace, key string, expected, next json.RawMessage) (bool, error)
}

// Dispatcher delivers events to listeners.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) error
}

// Requirer applies requirements to the manifest of a staged tree.
type Requirer interface {
	Require(ctx context.Context, dir string, reqs []manifest.Requirement) error
}

// HistoryRecorder keeps the transition ledger.
type HistoryRecorder interface {
	Record(ctx context.Context, stageID, event, state, detail string) error
	List(ctx context.Context, stageID string) ([]state.Transition, error)
}

// Deps are the collaborators of a Stager. Hub and History are optional.
type Deps struct {
	Store      Store
	Locks      *lock.Manager
	Dispatcher Dispatcher
	Workspace  workspace.Manager
	Beginner   workspace.Beginner
	Committer  workspace.Committer
	Requirer   Requirer
	History    HistoryRecorder
	Hub        *events.Hub
	Logger     *slog.Logger
}

// StatusReport is the outcome of a stage-less readiness check.
type StatusReport struct {
	Results   []validation.Result `json:"results"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Stager is the entry point of the lifecycle. It owns no in-memory stage
// state: every operation reads the persisted lock and record.
type Stager struct {
	activeDir  string
	store      Store
	locks      *lock.Manager
	dispatcher Dispatcher
	workspace  workspace.Manager
	beginner   workspace.Beginner
	committer  workspace.Committer
	requirer   Requirer
	history    HistoryRecorder
	hub        *events.Hub
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Stager for activeDir.
func New(activeDir string, deps Deps) (*Stager, error) {
	if activeDir == "" {
		return nil, fmt.Errorf("active directory is empty")
	}
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("stager requires a state store")
	case deps.Locks == nil:
		return nil, fmt.Errorf("stager requires a lock manager")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("stager requires an event dispatcher")
	case deps.Workspace == nil:
		return nil, fmt.Errorf("stager requires a workspace manager")
	case deps.Beginner == nil || deps.Committer == nil:
		return nil, fmt.Errorf("stager requires beginner and committer capabilities")
	case deps.Requirer == nil:
		return nil, fmt.Errorf("stager requires a requirer")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		activeDir:  activeDir,
		store:      deps.Store,
		locks:      deps.Locks,
		dispatcher: deps.Dispatcher,
		workspace:  deps.Workspace,
		beginner:   deps.Beginner,
		committer:  deps.Committer,
		requirer:   deps.Requirer,
		history:    deps.History,
		hub:        deps.Hub,
		logger:     logger.With("component", "stager"),
		now:        time.Now,
	}, nil
}

func (s *Stager) ActiveDir() string { return s.activeDir }

// Begin acquires the ownership lock and copies the active directory into a
// fresh staging directory. planned is handed to PreCreate listeners.
//
// A PreCreate failure releases the lock and returns a *validation.Failure
// without touching the filesystem. A PostCreate failure returns the stage
// in state Created together with the failure; the caller should destroy it.
func (s *Stager) Begin(ctx context.Context, planned []manifest.Requirement) (*Stage, []validation.Result, error) {
	if rec, ok, err := s.loadRecord(ctx); err != nil {
		return nil, nil, err
	} else if ok && rec.State == Corrupted {
		return nil, nil, &StateError{StageID: rec.ID, State: rec.State, Op: "begin over"}
	}

	acquired, reclaimed, err := s.locks.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if reclaimed != nil {
		s.cleanupReclaimed(ctx, *reclaimed)
	}

	stagingDir, err := s.workspace.Dir(acquired.StageID)
	if err != nil {
		s.abandon(ctx, acquired)
		return nil, nil, err
	}

	now := s.now().UTC()
	st := &Stage{
		stager: s,
		token:  acquired.Token,
		rec: Record{
			ID:           acquired.StageID,
			State:        Ready,
			ActiveDir:    s.activeDir,
			StagingDir:   stagingDir,
			CreatedAt:    acquired.AcquiredAt,
			UpdatedAt:    now,
			Requirements: append([]manifest.Requirement(nil), planned...),
		},
	}
	if err := s.createRecord(ctx, st.rec); err != nil {
		s.abandon(ctx, acquired)
		return nil, nil, err
	}
	s.note(ctx, st.rec, "lock_acquired", "")

	results, err := s.validate(ctx, newValidationEvent(events.PreCreate, st, s.activeDir, planned))
	if err != nil {
		s.abandon(ctx, acquired)
		return nil, results, err
	}

	exclusions, err := s.collectIgnored(ctx, st)
	if err != nil {
		s.abandon(ctx, acquired)
		return nil, results, err
	}

	if err := s.beginner.Begin(ctx, s.activeDir, stagingDir, exclusions); err != nil {
		s.removeStaging(ctx, st.rec.ID)
		s.abandon(ctx, acquired)
		return nil, results, fmt.Errorf("create staging copy: %w", err)
	}

	if err := s.transition(ctx, st, Created, "created", fmt.Sprintf("%d exclusions", exclusions.Len())); err != nil {
		s.removeStaging(ctx, st.rec.ID)
		s.abandon(ctx, acquired)
		return nil, results, err
	}

	post, err := s.validate(ctx, newValidationEvent(events.PostCreate, st, s.activeDir, planned))
	results = append(results, post...)
	if err != nil {
		return st, results, err
	}

	if err := s.transition(ctx, st, Available, "available", ""); err != nil {
		return st, results, err
	}
	return st, results, nil
}

// Claim returns the stage identified by id when token matches the
// persisted lock. It is how a later request resumes a stage.
func (s *Stager) Claim(ctx context.Context, id, token string) (*Stage, error) {
	if _, err := s.locks.Verify(ctx, id, token); err != nil {
		return nil, err
	}
	rec, ok, err := s.loadRecord(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || rec.ID != id {
		return nil, fmt.Errorf("stage %q holds the lock but has no record", id)
	}
	return &Stage{stager: s, token: token, rec: rec}, nil
}

// Current returns the persisted record of the active stage, or nil.
func (s *Stager) Current(ctx context.Context) (*Record, error) {
	rec, ok, err := s.loadRecord(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// Lock returns the persisted lock without its token, or nil.
func (s *Stager) Lock(ctx context.Context) (*lock.OwnershipLock, error) {
	cur, err := s.locks.Current(ctx)
	if err != nil || cur == nil {
		return nil, err
	}
	cur.Token = ""
	return cur, nil
}

// History lists the recorded transitions of stageID.
func (s *Stager) History(ctx context.Context, stageID string) ([]state.Transition, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, stageID)
}

// ForceDestroy tears down the active stage without any ownership check.
// When id is non-empty it must name the active stage. PreDestroy results
// are reported but cannot veto a forced destroy. A Corrupted stage keeps
// its staging directory for manual recovery.
func (s *Stager) ForceDestroy(ctx context.Context, id string) (*Record, []validation.Result, error) {
	held, err := s.locks.Current(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, ok, err := s.loadRecord(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if held == nil {
			return nil, nil, ErrNoStage
		}
		dir, err := s.workspace.Dir(held.StageID)
		if err != nil {
			s.logger.Warn("lock holder has no usable staging directory", "stage_id", held.StageID, "error", err)
		}
		rec = Record{ID: held.StageID, State: Available, ActiveDir: s.activeDir, StagingDir: dir, CreatedAt: held.AcquiredAt}
	}
	if id != "" && rec.ID != id {
		return nil, nil, fmt.Errorf("%w: stage %q is not active", ErrNoStage, id)
	}

	st := &Stage{stager: s, rec: rec}
	results, err := s.validate(ctx, newValidationEvent(events.PreDestroy, st, s.activeDir, rec.Requirements))
	var failure *validation.Failure
	if err != nil && !errors.As(err, &failure) {
		return nil, results, err
	}
	if failure != nil {
		s.logger.Warn("pre-destroy validation failed, continuing forced destroy", "stage_id", rec.ID, "error", failure)
	}

	keepStaging := rec.State == Corrupted
	if !keepStaging && rec.StagingDir != "" {
		if err := s.workspace.Remove(ctx, rec.ID); err != nil {
			return nil, results, err
		}
	}
	if _, err := s.locks.ForceRelease(ctx); err != nil {
		return nil, results, err
	}
	if err := s.deleteRecord(ctx, rec.ID); err != nil {
		return nil, results, err
	}

	prev := rec.State
	st.rec.State = Destroyed
	st.rec.UpdatedAt = s.now().UTC()
	detail := fmt.Sprintf("forced from %s", prev)
	if keepStaging && rec.StagingDir != "" {
		detail += "; staging directory kept at " + rec.StagingDir
	}
	s.note(ctx, st.rec, "force_destroyed", detail)

	post, _ := s.validate(ctx, newValidationEvent(events.PostDestroy, st, s.activeDir, rec.Requirements))
	results = append(results, post...)
	return &st.rec, results, nil
}

// StatusCheck asks every listener for its view of current readiness. It
// never touches the lock or any staging directory; the report is cached
// for LastStatusCheck.
func (s *Stager) StatusCheck(ctx context.Context) (StatusReport, error) {
	results, err := s.validate(ctx, newValidationEvent(events.StatusCheck, nil, s.activeDir, nil))
	var failure *validation.Failure
	if err != nil && !errors.As(err, &failure) {
		return StatusReport{}, err
	}

	report := StatusReport{Results: results, CheckedAt: s.now().UTC()}
	raw, err := json.Marshal(report)
	if err != nil {
		return report, fmt.Errorf("encode status report: %w", err)
	}
	if err := s.store.Set(ctx, lockNamespace, statusCheckKey, raw); err != nil {
		return report, fmt.Errorf("cache status report: %w", err)
	}
	s.hub.Publish("status.checked", "", map[string]any{"valid": !validation.HasErrors(results), "results": len(results)})
	return report, nil
}

// LastStatusCheck returns the cached report of the previous StatusCheck.
func (s *Stager) LastStatusCheck(ctx context.Context) (*StatusReport, error) {
	entry, ok, err := s.store.Get(ctx, lockNamespace, statusCheckKey)
	if err != nil || !ok {
		return nil, err
	}
	var report StatusReport
	if err := json.Unmarshal(entry.Value, &report); err != nil {
		return nil, fmt.Errorf("decode status report: %w", err)
	}
	return &report, nil
}

// validate dispatches ev and aggregates its results. A listener hard
// failure becomes an additional error result. Any error result yields a
// *validation.Failure carrying every result.
func (s *Stager) validate(ctx context.Context, ev *ValidationEvent) ([]validation.Result, error) {
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		var le *events.ListenerError
		if !errors.As(err, &le) {
			return ev.Results(), err
		}
		ev.Add(listenerResult(le))
	}
	results := ev.Results()
	if validation.HasErrors(results) {
		id := ""
		if ev.Stage() != nil {
			id = ev.Stage().ID()
		}
		s.logger.Info("validation failed", "stage_id", id, "event", string(ev.Kind()), "results", len(results))
		return results, validation.NewFailure(string(ev.Kind()), results)
	}
	return results, nil
}

// collectIgnored builds the exclusion set. Listener failures propagate
// unchanged: an incomplete set is unsafe to copy with.
func (s *Stager) collectIgnored(ctx context.Context, st *Stage) (*workspace.Exclusions, error) {
	ev := &PathsEvent{stage: st, activeDir: s.activeDir, paths: workspace.NewExclusions()}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		return nil, fmt.Errorf("collect ignored paths: %w", err)
	}
	return ev.paths, nil
}

func (s *Stager) transition(ctx context.Context, st *Stage, to State, event, detail string) error {
	st.rec.State = to
	st.rec.UpdatedAt = s.now().UTC()
	if err := s.saveRecord(ctx, st.rec); err != nil {
		return err
	}
	s.note(ctx, st.rec, event, detail)
	return nil
}

func (s *Stager) note(ctx context.Context, rec Record, event, detail string) {
	s.logger.Info("stage transition", "stage_id", rec.ID, "event", event, "state", string(rec.State))
	if s.history != nil {
		if err := s.history.Record(ctx, rec.ID, event, string(rec.State), detail); err != nil {
			s.logger.Warn("failed to record stage history", "stage_id", rec.ID, "error", err)
		}
	}
	s.hub.Publish("stage."+event, rec.ID, map[string]any{"state": rec.State, "detail": detail})
}

// abandon undoes a Begin that never produced a usable stage.
func (s *Stager) abandon(ctx context.Context, l lock.OwnershipLock) {
	if err := s.deleteRecord(ctx, l.StageID); err != nil {
		s.logger.Warn("failed to delete stage record", "stage_id", l.StageID, "error", err)
	}
	if err := s.locks.Release(ctx, l.StageID, l.Token); err != nil {
		s.logger.Warn("failed to release ownership lock", "stage_id", l.StageID, "error", err)
	}
	s.note(ctx, Record{ID: l.StageID, State: Ready}, "abandoned", "")
}

func (s *Stager) removeStaging(ctx context.Context, stageID string) {
	if err := s.workspace.Remove(ctx, stageID); err != nil {
		s.logger.Warn("failed to remove staging directory", "stage_id", stageID, "error", err)
	}
}

func (s *Stager) cleanupReclaimed(ctx context.Context, prev lock.OwnershipLock) {
	s.removeStaging(ctx, prev.StageID)
	if err := s.deleteRecord(ctx, prev.StageID); err != nil {
		s.logger.Warn("failed to delete reclaimed stage record", "stage_id", prev.StageID, "error", err)
	}
	s.note(ctx, Record{ID: prev.StageID, State: Destroyed}, "reclaimed", "stale lock reclaimed")
}

func (s *Stager) loadRecord(ctx context.Context) (Record, bool, error) {
	rec, _, ok, err := s.readRecord(ctx)
	return rec, ok, err
}

func (s *Stager) readRecord(ctx context.Context) (Record, json.RawMessage, bool, error) {
	entry, ok, err := s.store.Get(ctx, lockNamespace, recordKey)
	if err != nil || !ok {
		return Record{}, nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return Record{}, nil, false, fmt.Errorf("decode stage record: %w", err)
	}
	return rec, entry.Value, true, nil
}

// createRecord writes the record of a stage that has just acquired the
// lock, replacing whatever a previous holder left behind.
func (s *Stager) createRecord(ctx context.Context, rec Record) error {
	_, raw, _, err := s.readRecord(ctx)
	if err != nil {
		return err
	}
	return s.swapRecord(ctx, rec.ID, raw, rec)
}

// saveRecord updates the record only while it still names rec.ID.
func (s *Stager) saveRecord(ctx context.Context, rec Record) error {
	cur, raw, ok, err := s.readRecord(ctx)
	if err != nil {
		return err
	}
	if !ok || cur.ID != rec.ID {
		return &lock.OwnershipError{StageID: rec.ID, HolderID: cur.ID, Reason: "stage record was replaced"}
	}
	return s.swapRecord(ctx, rec.ID, raw, rec)
}

func (s *Stager) swapRecord(ctx context.Context, stageID string, expected json.RawMessage, rec Record) error {
	next, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stage record: %w", err)
	}
	swapped, err := s.store.CompareAndSwap(ctx, lockNamespace, recordKey, expected, next)
	if err != nil {
		return fmt.Errorf("persist stage record: %w", err)
	}
	if !swapped {
		return &lock.OwnershipError{StageID: stageID, Reason: "stage record changed concurrently"}
	}
	return nil
}

// deleteRecord removes the record if it names stageID. A record that is
// missing or belongs to another stage is left alone.
func (s *Stager) deleteRecord(ctx context.Context, stageID string) error {
	cur, raw, ok, err := s.readRecord(ctx)
	if err != nil {
		return err
	}
	if !ok || cur.ID != stageID {
		return nil
	}
	if _, err := s.store.CompareAndSwap(ctx, lockNamespace, recordKey, raw, nil); err != nil {
		return fmt.Errorf("delete stage record: %w", err)
	}
	return nil
}
