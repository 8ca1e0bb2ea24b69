package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/storage"
	"github.com/mattjoyce/stagehand/internal/updater"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

const (
	testAPIKey   = "test-key"
	activeGoMod  = "module example.com/app\n\ngo 1.22\n\nrequire example.com/dep v1.2.3\n"
	beginRequest = `{"requirements":["example.com/dep@v1.2.4"]}`
)

type fixture struct {
	server     *Server
	handler    http.Handler
	stager     *stage.Stager
	dispatcher *events.Dispatcher
	hub        *events.Hub
	active     string
}

type failingCommitter struct {
	workspace.Copier
}

func (failingCommitter) Commit(context.Context, string, string, *workspace.Exclusions) error {
	return errors.New("disk full")
}

type fakeUpdates struct {
	out updater.Outcome
	err error
}

func (f *fakeUpdates) RunOnce(context.Context) (updater.Outcome, error) {
	return f.out, f.err
}

func newFixture(t *testing.T, updates UpdateRunner, mutate ...func(*stage.Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	active := filepath.Join(base, "active")
	if err := os.MkdirAll(active, 0o755); err != nil {
		t.Fatalf("mkdir active: %v", err)
	}
	if err := os.WriteFile(filepath.Join(active, "go.mod"), []byte(activeGoMod), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(base, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ws, err := workspace.NewFSManager(filepath.Join(base, "staging"))
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}

	store := state.NewStore(db)
	dispatcher := events.NewDispatcher(nil)
	hub := events.NewHub(64)
	deps := stage.Deps{
		Store:      store,
		Locks:      lock.NewManager(store, 0, nil),
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
	stager, err := stage.New(active, deps)
	if err != nil {
		t.Fatalf("stage.New: %v", err)
	}

	srv := New(Config{APIKey: testAPIKey}, stager, updates, hub, nil)
	return &fixture{
		server:     srv,
		handler:    srv.Handler(),
		stager:     stager,
		dispatcher: dispatcher,
		hub:        hub,
		active:     active,
	}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if token != "" {
		req.Header.Set(StageTokenHeader, token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) begin(t *testing.T) StageResponse {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/stages", beginRequest, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /stages = %d: %s", rr.Code, rr.Body.String())
	}
	return decode[StageResponse](t, rr)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[HealthzResponse](t, rr)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.StageID != "" {
		t.Errorf("expected no stage, got %q", resp.StageID)
	}
}

func TestProtectedRoutesRequireAPIKey(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/status", "/stages/current", "/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without key = %d, want 401", path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/stages", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("POST /stages with wrong key = %d, want 401", rr.Code)
	}
}

func TestStageLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	created := f.begin(t)
	if created.Token == "" {
		t.Fatal("expected a token from POST /stages")
	}
	if created.Stage.State != stage.Available {
		t.Fatalf("expected available stage, got %s", created.Stage.State)
	}
	id := created.Stage.ID

	rr := f.do(t, http.MethodGet, "/stages/current", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /stages/current = %d", rr.Code)
	}
	current := decode[CurrentStageResponse](t, rr)
	if current.Lock == nil || current.Lock.StageID != id {
		t.Fatalf("expected lock held by %s, got %+v", id, current.Lock)
	}
	if current.Lock.Token != "" {
		t.Error("lock token must never be exposed")
	}

	rr = f.do(t, http.MethodPost, "/stages/"+id+"/require", beginRequest, created.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("require = %d: %s", rr.Code, rr.Body.String())
	}
	required := decode[StageResponse](t, rr)
	if len(required.Stage.Requirements) != 1 || required.Stage.Requirements[0].Version != "v1.2.4" {
		t.Errorf("unexpected requirements: %+v", required.Stage.Requirements)
	}

	rr = f.do(t, http.MethodPost, "/stages/"+id+"/apply", "", created.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("apply = %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[StageResponse](t, rr).Stage.State; got != stage.Applied {
		t.Errorf("expected applied, got %s", got)
	}
	gomod, err := os.ReadFile(filepath.Join(f.active, "go.mod"))
	if err != nil {
		t.Fatalf("read active go.mod: %v", err)
	}
	if !strings.Contains(string(gomod), "example.com/dep v1.2.4") {
		t.Errorf("active go.mod not updated:\n%s", gomod)
	}

	rr = f.do(t, http.MethodDelete, "/stages/"+id, "", created.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("destroy = %d: %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/stages/"+id+"/history", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("history = %d", rr.Code)
	}
	history := decode[HistoryResponse](t, rr)
	last := history.Transitions[len(history.Transitions)-1]
	if last.Event != "destroyed" {
		t.Errorf("expected last event destroyed, got %s", last.Event)
	}

	rr = f.do(t, http.MethodGet, "/stages/current", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after destroy, got %d", rr.Code)
	}
}

func TestBeginConflictReportsHolder(t *testing.T) {
	f := newFixture(t, nil)
	first := f.begin(t)

	rr := f.do(t, http.MethodPost, "/stages", "", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second begin = %d, want 409", rr.Code)
	}
	body := decode[ErrorResponse](t, rr)
	if body.HolderID != first.Stage.ID {
		t.Errorf("expected holder %s, got %q", first.Stage.ID, body.HolderID)
	}
}

func TestOwnershipIsChecked(t *testing.T) {
	f := newFixture(t, nil)
	created := f.begin(t)
	id := created.Stage.ID

	rr := f.do(t, http.MethodPost, "/stages/"+id+"/apply", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("apply without token = %d, want 401", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/stages/"+id+"/apply", "", "not-the-token")
	if rr.Code != http.StatusConflict {
		t.Errorf("apply with wrong token = %d, want 409", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/stages/other-id", "", created.Token)
	if rr.Code != http.StatusConflict {
		t.Errorf("destroy of other id = %d, want 409", rr.Code)
	}
}

func TestValidationFailureReturnsAllResults(t *testing.T) {
	f := newFixture(t, nil)
	listener := stage.OnValidation(func(_ context.Context, ev *stage.ValidationEvent) error {
		ev.AddWarning("heads up")
		ev.AddError("not today")
		return nil
	})
	if _, err := f.dispatcher.Register("gate", 0, listener, events.PreCreate); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/stages", "", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("begin = %d, want 422: %s", rr.Code, rr.Body.String())
	}
	body := decode[ErrorResponse](t, rr)
	if len(body.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(body.Results))
	}
	if body.Token != "" {
		t.Error("no token expected when nothing was created")
	}

	rr = f.do(t, http.MethodGet, "/stages/current", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("lock should be released after PreCreate failure, got %d", rr.Code)
	}
}

func TestInvalidRequirementIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/stages", `{"requirements":["not a module"]}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/stages", `{"unknown":true}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestApplyFailureDirectsRestore(t *testing.T) {
	f := newFixture(t, nil, func(d *stage.Deps) { d.Committer = failingCommitter{} })
	created := f.begin(t)

	rr := f.do(t, http.MethodPost, "/stages/"+created.Stage.ID+"/apply", "", created.Token)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("apply = %d, want 500", rr.Code)
	}
	body := decode[ErrorResponse](t, rr)
	if !body.Restore {
		t.Error("expected restore directive")
	}
	if body.StagingDir == "" {
		t.Error("expected staging dir in response")
	}

	rr = f.do(t, http.MethodGet, "/healthz", "", "")
	if got := decode[HealthzResponse](t, rr); got.Status != "degraded" || got.StageState != stage.Corrupted {
		t.Errorf("expected degraded health for corrupted stage, got %+v", got)
	}

	rr = f.do(t, http.MethodDelete, "/stages/"+created.Stage.ID+"?force=true", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("force destroy = %d: %s", rr.Code, rr.Body.String())
	}
	if _, err := os.Stat(body.StagingDir); err != nil {
		t.Errorf("corrupted staging dir should be kept: %v", err)
	}
}

func TestForceDestroyWithoutStage(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodDelete, "/stages/missing?force=true", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStatusCheck(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/status/last", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any check, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/status", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !decode[StatusResponse](t, rr).Valid {
		t.Error("expected a valid report with no listeners")
	}

	rr = f.do(t, http.MethodGet, "/status/last", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status/last = %d", rr.Code)
	}
}

func TestRunUpdate(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodPost, "/updates/run", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without runner, got %d", rr.Code)
	}

	updates := &fakeUpdates{out: updater.Outcome{Status: updater.StatusApplied, Module: "example.com/dep", Target: "v1.2.4"}}
	f = newFixture(t, updates)
	rr = f.do(t, http.MethodPost, "/updates/run", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("run = %d", rr.Code)
	}
	if got := decode[updater.Outcome](t, rr); got.Status != updater.StatusApplied {
		t.Errorf("expected applied, got %s", got.Status)
	}

	updates.out = updater.Outcome{Status: updater.StatusRefused}
	updates.err = &policy.Violation{Installed: "v1.2.3", Target: "v1.3.0", Messages: []string{"too far"}}
	rr = f.do(t, http.MethodPost, "/updates/run", "", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("refused run = %d, want 422", rr.Code)
	}
	body := decode[ErrorResponse](t, rr)
	if body.Outcome == nil || body.Outcome.Status != updater.StatusRefused {
		t.Errorf("expected refused outcome, got %+v", body.Outcome)
	}

	updates.err = lock.ErrProcessLocked
	rr = f.do(t, http.MethodPost, "/updates/run", "", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("locked run = %d, want 409", rr.Code)
	}
}
