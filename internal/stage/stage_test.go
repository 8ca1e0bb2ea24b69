package stage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/storage"
	"github.com/mattjoyce/stagehand/internal/validation"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

const activeGoMod = `module example.com/app

go 1.22

require example.com/dep v1.2.3
`

type harness struct {
	stager      *Stager
	dispatcher  *events.Dispatcher
	store       *state.Store
	locks       *lock.Manager
	hub         *events.Hub
	active      string
	stagingRoot string
}

type failingCommitter struct {
	workspace.Copier
	err error
}

func (f failingCommitter) Commit(context.Context, string, string, *workspace.Exclusions) error {
	return f.err
}

// recordReplacingBeginner copies like Copier, then overwrites the stage
// record as if another stage had taken over mid-begin.
type recordReplacingBeginner struct {
	workspace.Copier
	store Store
}

func (b recordReplacingBeginner) Begin(ctx context.Context, activeDir, stagingDir string, exclusions *workspace.Exclusions) error {
	if err := b.Copier.Begin(ctx, activeDir, stagingDir, exclusions); err != nil {
		return err
	}
	return b.store.Set(ctx, lock.Namespace, recordKey, json.RawMessage(`{"id":"someone-else","state":"available"}`))
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	active := filepath.Join(base, "active")
	require.NoError(t, os.MkdirAll(filepath.Join(active, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(active, "go.mod"), []byte(activeGoMod), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(active, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(active, ".git", "HEAD"), []byte("ref\n"), 0o644))

	db, err := storage.OpenSQLite(ctx, filepath.Join(base, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stagingRoot := filepath.Join(base, "staging")
	ws, err := workspace.NewFSManager(stagingRoot)
	require.NoError(t, err)

	store := state.NewStore(db)
	locks := lock.NewManager(store, 0, nil)
	dispatcher := events.NewDispatcher(nil)
	hub := events.NewHub(64)

	deps := Deps{
		Store:      store,
		Locks:      locks,
		Dispatcher: dispatcher,
		Workspace:  ws,
		Beginner:   workspace.Copier{},
		Committer:  workspace.Copier{},
		Requirer:   manifest.GoModRequirer{},
		History:    state.NewHistory(db),
		Hub:        hub,
	}
	for _, m := range mutate {
		m(&deps)
	}

	stager, err := New(active, deps)
	require.NoError(t, err)

	return &harness{
		stager:      stager,
		dispatcher:  dispatcher,
		store:       store,
		locks:       locks,
		hub:         hub,
		active:      active,
		stagingRoot: stagingRoot,
	}
}

func (h *harness) on(t *testing.T, name string, priority int, fn func(context.Context, *ValidationEvent) error, kinds ...events.Kind) {
	t.Helper()
	ok, err := h.dispatcher.Register(name, priority, OnValidation(fn), kinds...)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) onPaths(t *testing.T, name string, priority int, fn func(context.Context, *PathsEvent) error) {
	t.Helper()
	ok, err := h.dispatcher.Register(name, priority, OnPaths(fn), events.CollectIgnoredPaths)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) ignoreGit(t *testing.T) {
	h.onPaths(t, "vcs", 0, func(_ context.Context, ev *PathsEvent) error {
		ev.Add(".git")
		return nil
	})
}

func (h *harness) currentLock(t *testing.T) *lock.OwnershipLock {
	t.Helper()
	cur, err := h.locks.Current(context.Background())
	require.NoError(t, err)
	return cur
}

func dep(version string) []manifest.Requirement {
	return []manifest.Requirement{{Path: "example.com/dep", Version: version}}
}

func TestLifecycleBeginRequireApplyDestroy(t *testing.T) {
	h := newHarness(t)
	h.ignoreGit(t)
	ctx := context.Background()

	st, results, err := h.stager.Begin(ctx, dep("v1.2.4"))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, Available, st.State())
	assert.NotEmpty(t, st.Token())
	assert.Equal(t, filepath.Join(h.stagingRoot, st.ID()), st.StagingDir())
	assert.NoDirExists(t, filepath.Join(st.StagingDir(), ".git"))
	assert.FileExists(t, filepath.Join(st.StagingDir(), "main.go"))

	_, err = st.Require(ctx, dep("v1.2.4"))
	require.NoError(t, err)
	staged, _, err := manifest.InstalledVersion(st.StagingDir(), "example.com/dep")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.4", staged)
	live, _, err := manifest.InstalledVersion(h.active, "example.com/dep")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", live, "require must not touch the active directory")

	// A later request resumes the stage with id and token.
	resumed, err := h.stager.Claim(ctx, st.ID(), st.Token())
	require.NoError(t, err)
	assert.Equal(t, dep("v1.2.4"), resumed.Requirements())

	before, err := workspace.Fingerprint(ctx, st.StagingDir(), workspace.NewExclusions(".git"))
	require.NoError(t, err)

	_, err = resumed.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, Applied, resumed.State())

	after, err := workspace.Fingerprint(ctx, h.active, workspace.NewExclusions(".git"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "active tree must equal the staged tree after apply")
	assert.FileExists(t, filepath.Join(h.active, ".git", "HEAD"))

	_, err = resumed.Destroy(ctx)
	require.NoError(t, err)
	assert.Equal(t, Destroyed, resumed.State())
	assert.Nil(t, h.currentLock(t))
	assert.NoDirExists(t, st.StagingDir())

	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	history, err := h.stager.History(ctx, st.ID())
	require.NoError(t, err)
	var names []string
	for _, tr := range history {
		names = append(names, tr.Event)
	}
	assert.Equal(t, []string{"lock_acquired", "created", "available", "required", "applying", "applied", "destroyed"}, names)

	assert.NotEmpty(t, h.hub.SnapshotSince(0))
}

func TestSecondBeginReportsHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)

	_, _, err = h.stager.Begin(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrNotOwner))
	var oe *lock.OwnershipError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, first.ID(), oe.HolderID)
}

func TestMismatchedTokenRejectedInEveryOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)

	_, err = h.stager.Claim(ctx, st.ID(), "not-the-token")
	assert.True(t, errors.Is(err, lock.ErrNotOwner))

	impostor := &Stage{stager: h.stager, token: "not-the-token", rec: st.Record()}
	_, err = impostor.Require(ctx, dep("v1.2.4"))
	assert.True(t, errors.Is(err, lock.ErrNotOwner))
	_, err = impostor.Apply(ctx)
	assert.True(t, errors.Is(err, lock.ErrNotOwner))
	_, err = impostor.Destroy(ctx)
	assert.True(t, errors.Is(err, lock.ErrNotOwner))

	cur := h.currentLock(t)
	require.NotNil(t, cur)
	assert.Equal(t, st.ID(), cur.StageID, "failed destroy must leave the lock intact")
	assert.DirExists(t, st.StagingDir())
}

func TestStaleHandleCannotActAfterDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	copyOfHandle := *st

	_, err = st.Destroy(ctx)
	require.NoError(t, err)

	_, err = copyOfHandle.Require(ctx, dep("v1.2.4"))
	assert.True(t, errors.Is(err, lock.ErrNotOwner))
}

func TestPreCreateErrorAbortsWithAllResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.on(t, "late", 20, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddError("late error")
		return nil
	}, events.PreCreate)
	h.on(t, "early", 10, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddWarning("early warning")
		assert.Equal(t, dep("v1.2.4"), ev.Requirements())
		assert.NotNil(t, ev.Stage())
		return nil
	}, events.PreCreate)

	st, results, err := h.stager.Begin(ctx, dep("v1.2.4"))
	require.Error(t, err)
	assert.Nil(t, st)
	assert.True(t, errors.Is(err, validation.ErrValidation))

	got, ok := validation.ResultsOf(err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, validation.SeverityWarning, got[0].Severity())
	assert.Equal(t, []string{"early warning"}, got[0].Messages())
	assert.Equal(t, validation.SeverityError, got[1].Severity())
	assert.Equal(t, got, results)

	assert.Nil(t, h.currentLock(t), "failed begin must release the lock")
	entries, err := os.ReadDir(h.stagingRoot)
	if err == nil {
		assert.Empty(t, entries, "failed begin must not touch the filesystem")
	}
	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWarningsNeverBlock(t *testing.T) {
	h := newHarness(t)
	h.on(t, "cautious", 0, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddWarning("disk is getting full")
		return nil
	}, events.PreCreate, events.PreApply)
	ctx := context.Background()

	st, results, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, validation.SeverityWarning, results[0].Severity())

	results, err = st.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestListenerHardFailureBecomesErrorResult(t *testing.T) {
	h := newHarness(t)
	ran := false
	h.on(t, "broken", 0, func(context.Context, *ValidationEvent) error {
		return errors.New("registry unreachable")
	}, events.PreCreate)
	h.on(t, "after", 1, func(context.Context, *ValidationEvent) error {
		ran = true
		return nil
	}, events.PreCreate)

	_, _, err := h.stager.Begin(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, ran, "dispatch must stop at the failing listener")

	results, ok := validation.ResultsOf(err)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Contains(t, results[0].Messages()[0], "broken")
	assert.Contains(t, results[0].Messages()[0], "registry unreachable")
}

func TestCollectIgnoredPathsDeduplicates(t *testing.T) {
	h := newHarness(t)
	h.ignoreGit(t)
	h.onPaths(t, "also-vcs", 1, func(_ context.Context, ev *PathsEvent) error {
		ev.Add(".git", "./.git/")
		assert.True(t, ev.AddPath(filepath.Join(ev.ActiveDir(), "tmp")))
		assert.False(t, ev.AddPath(filepath.Join(os.TempDir(), "elsewhere")))
		return nil
	})
	var seen []string
	h.onPaths(t, "observer", 99, func(_ context.Context, ev *PathsEvent) error {
		seen = ev.Patterns()
		return nil
	})

	_, _, err := h.stager.Begin(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{".git", "tmp"}, seen)
}

func TestCollectIgnoredPathsFailureIsHardError(t *testing.T) {
	h := newHarness(t)
	h.onPaths(t, "broken", 0, func(context.Context, *PathsEvent) error {
		return errors.New("cannot list build dirs")
	})

	_, _, err := h.stager.Begin(context.Background(), nil)
	require.Error(t, err)
	var le *events.ListenerError
	assert.True(t, errors.As(err, &le))
	assert.False(t, errors.Is(err, validation.ErrValidation))
	assert.Nil(t, h.currentLock(t))
}

func TestPreApplyErrorLeavesActiveUntouched(t *testing.T) {
	h := newHarness(t)
	h.on(t, "gate", 0, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddError("not today")
		return nil
	}, events.PreApply)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = st.Require(ctx, dep("v1.2.4"))
	require.NoError(t, err)

	_, err = st.Apply(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, validation.ErrValidation))
	assert.Equal(t, Available, st.State())

	live, _, err := manifest.InstalledVersion(h.active, "example.com/dep")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", live)
}

func TestApplyFailureCorruptsStage(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Committer = failingCommitter{err: errors.New("disk full")}
	})
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)

	_, err = st.Apply(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrApplyFailed))
	var af *ApplyFailure
	require.True(t, errors.As(err, &af))
	assert.Equal(t, st.ID(), af.StageID)
	assert.Contains(t, err.Error(), "restore it from backup")
	assert.Equal(t, Corrupted, st.State())

	// No further transition is allowed, and the lock stays held.
	_, err = st.Apply(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = st.Destroy(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.NotNil(t, h.currentLock(t))

	_, err = h.locks.ForceRelease(ctx)
	require.NoError(t, err)
	_, _, err = h.stager.Begin(ctx, nil)
	assert.True(t, errors.Is(err, ErrInvalidState), "begin over a corrupted stage must be refused")
}

func TestForceDestroyIgnoresOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)

	rec, _, err := h.stager.ForceDestroy(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, st.ID(), rec.ID)
	assert.Equal(t, Destroyed, rec.State)
	assert.Nil(t, h.currentLock(t))
	assert.NoDirExists(t, st.StagingDir())

	_, _, err = h.stager.ForceDestroy(ctx, "")
	assert.True(t, errors.Is(err, ErrNoStage))
}

func TestForceDestroyRejectsWrongID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)

	_, _, err = h.stager.ForceDestroy(ctx, "some-other-stage")
	assert.True(t, errors.Is(err, ErrNoStage))
	assert.NotNil(t, h.currentLock(t))
}

func TestForceDestroyRecoversCorruptedStage(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Committer = failingCommitter{err: errors.New("disk full")}
	})
	h.on(t, "veto", 0, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddError("cannot destroy")
		return nil
	}, events.PreDestroy)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	_, err = st.Apply(ctx)
	require.Error(t, err)

	rec, results, err := h.stager.ForceDestroy(ctx, st.ID())
	require.NoError(t, err)
	assert.True(t, validation.HasErrors(results), "pre-destroy results are still reported")
	assert.Equal(t, Destroyed, rec.State)
	assert.Nil(t, h.currentLock(t))
	assert.DirExists(t, st.StagingDir(), "corrupted staging copy is kept for recovery")

	_, _, err = h.stager.Begin(ctx, nil)
	assert.NoError(t, err)
}

func TestStatusCheckIsStageless(t *testing.T) {
	h := newHarness(t)
	var sawStage bool
	h.on(t, "readiness", 0, func(_ context.Context, ev *ValidationEvent) error {
		sawStage = ev.Stage() != nil
		ev.AddError("active directory is read-only")
		ev.AddWarning("release feed is slow")
		return nil
	}, events.StatusCheck)
	ctx := context.Background()

	report, err := h.stager.StatusCheck(ctx)
	require.NoError(t, err)
	assert.False(t, sawStage)
	require.Len(t, report.Results, 2)
	assert.Nil(t, h.currentLock(t))
	assert.NoDirExists(t, h.stagingRoot)

	cached, err := h.stager.LastStatusCheck(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Len(t, cached.Results, 2)
}

func TestPostCreateFailureReturnsStage(t *testing.T) {
	h := newHarness(t)
	h.on(t, "post", 0, func(_ context.Context, ev *ValidationEvent) error {
		ev.AddError("staged copy incomplete")
		return nil
	}, events.PostCreate)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.Error(t, err)
	require.NotNil(t, st)
	assert.Equal(t, Created, st.State())

	_, err = st.Require(ctx, dep("v1.2.4"))
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = st.Destroy(ctx)
	require.NoError(t, err)
	assert.Nil(t, h.currentLock(t))
}

// takeOver registers a listener that, the first time kind fires, force
// destroys the issuing stage and begins a successor.
func (h *harness) takeOver(t *testing.T, kind events.Kind) **Stage {
	t.Helper()
	var successor *Stage
	fired := false
	h.on(t, "takeover", 100, func(ctx context.Context, ev *ValidationEvent) error {
		if fired {
			return nil
		}
		fired = true
		if _, _, err := h.stager.ForceDestroy(ctx, ev.Stage().ID()); err != nil {
			return err
		}
		next, _, err := h.stager.Begin(ctx, nil)
		successor = next
		return err
	}, kind)
	return &successor
}

func TestDestroyAfterTakeoverLeavesSuccessorIntact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	successor := h.takeOver(t, events.PreDestroy)

	_, err = st.Destroy(ctx)
	assert.True(t, errors.Is(err, lock.ErrNotOwner), "got %v", err)
	require.NotNil(t, *successor)

	next := *successor
	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, next.ID(), rec.ID)

	claimed, err := h.stager.Claim(ctx, next.ID(), next.Token())
	require.NoError(t, err)
	assert.Equal(t, Available, claimed.State())
	assert.DirExists(t, next.StagingDir())
}

func TestTransitionAfterTakeoverIsRefused(t *testing.T) {
	h := newHarness(t)
	successor := h.takeOver(t, events.PostCreate)
	ctx := context.Background()

	_, _, err := h.stager.Begin(ctx, nil)
	assert.True(t, errors.Is(err, lock.ErrNotOwner), "got %v", err)
	require.NotNil(t, *successor)

	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, (*successor).ID(), rec.ID)
	assert.Equal(t, Available, rec.State)
}

func TestBeginReclaimsStaleLock(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Locks = lock.NewManager(d.Store, time.Nanosecond, nil)
	})
	ctx := context.Background()

	first, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	require.DirExists(t, first.StagingDir())
	time.Sleep(time.Millisecond)

	second, _, err := h.stager.Begin(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.NoDirExists(t, first.StagingDir())
	assert.DirExists(t, second.StagingDir())

	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, second.ID(), rec.ID)

	history, err := h.stager.History(ctx, first.ID())
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "reclaimed", last.Event)
	assert.Equal(t, string(Destroyed), last.State)

	_, err = first.Require(ctx, dep("v1.2.4"))
	assert.True(t, errors.Is(err, lock.ErrNotOwner))
}

func TestBeginCleansUpWhenRecordIsReplaced(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Beginner = recordReplacingBeginner{store: d.Store}
	})
	ctx := context.Background()

	st, _, err := h.stager.Begin(ctx, nil)
	assert.Nil(t, st)
	assert.True(t, errors.Is(err, lock.ErrNotOwner), "got %v", err)
	assert.Nil(t, h.currentLock(t), "lock must be released")

	entries, err := os.ReadDir(h.stagingRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging copy must be removed")

	rec, err := h.stager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "someone-else", rec.ID, "a record naming another stage is left alone")
}

func TestForceDestroyReleasesLockWithUnusableID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(h.stagingRoot), "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	raw := json.RawMessage(`{"stage_id":"../outside","token":"abc","acquired_at":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, h.store.Set(ctx, lock.Namespace, "lock", raw))

	rec, _, err := h.stager.ForceDestroy(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "../outside", rec.ID)
	assert.Empty(t, rec.StagingDir)
	assert.Nil(t, h.currentLock(t))
	assert.DirExists(t, outside)
}

func TestBlankResultsAreDropped(t *testing.T) {
	h := newHarness(t)
	h.on(t, "sloppy", 0, func(_ context.Context, ev *ValidationEvent) error {
		ev.Add(validation.Result{})
		ev.AddError("   ")
		ev.AddWarning("feed is %s", "slow")
		return nil
	}, events.StatusCheck)
	ctx := context.Background()

	report, err := h.stager.StatusCheck(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	cached, err := h.stager.LastStatusCheck(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Results, 1)
	assert.Equal(t, []string{"feed is slow"}, cached.Results[0].Messages())
}
