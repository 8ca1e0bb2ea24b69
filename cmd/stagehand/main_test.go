package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/updater"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte)
	stderrCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

const fixtureConfig = `service:
  log_level: error
paths:
  active: ./active
  staging_root: ./data/staging
state:
  path: ./data/state.db
lock:
  process_lock: ./data/cron.lock
validators:
  min_free_space: 1KiB
releases:
  project: dep
  module: example.com/dep
  file: ./releases.yaml
`

const fixtureReleases = `project: dep
releases:
  - version: v1.2.4
    installable: true
  - version: v1.3.0
    installable: true
`

// writeFixture lays out a config, an active module tree and a release feed.
func writeFixture(t *testing.T) (configPath, activeDir string) {
	t.Helper()
	dir := t.TempDir()
	activeDir = filepath.Join(dir, "active")
	if err := os.MkdirAll(activeDir, 0o755); err != nil {
		t.Fatalf("mkdir active: %v", err)
	}
	files := map[string]string{
		filepath.Join(dir, "config.yaml"):     fixtureConfig,
		filepath.Join(dir, "releases.yaml"):   fixtureReleases,
		filepath.Join(activeDir, "go.mod"):    "module example.com/app\n\ngo 1.22\n\nrequire example.com/dep v1.2.3\n",
		filepath.Join(activeDir, "main.go"):   "package main\n\nfunc main() {}\n",
		filepath.Join(activeDir, "README.md"): "app\n",
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return filepath.Join(dir, "config.yaml"), activeDir
}

func readActiveGoMod(t *testing.T, activeDir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(activeDir, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	return string(data)
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z")

	code, stdout, _ := runCLIForTest(t, "--version")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout, "stagehand 1.2.3") || !strings.Contains(stdout, "commit: abcdef012345") {
		t.Fatalf("unexpected version output:\n%s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" || info.BuildTime != "2026-01-02T01:04:05Z" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestPrintUsageListsNouns(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "help")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, want := range []string{"stage begin", "stage destroy", "cron run", "serve", "config check"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}

	code, _, stderr := runCLIForTest(t, "bogus")
	if code != exitError || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("unexpected result for unknown command: %d %q", code, stderr)
	}
}

func TestRunStageNounActionHelp(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "stage", "destroy", "--help")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout, "--force") || !strings.Contains(stdout, tokenEnv) {
		t.Fatalf("unexpected help:\n%s", stdout)
	}
}

func TestRunConfigCheck(t *testing.T) {
	configPath, _ := writeFixture(t)

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", configPath, "--json")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr)
	}
	var result configCheckResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if !result.Valid || len(result.Listeners) != 6 || len(result.Errors) != 0 {
		t.Fatalf("unexpected check result: %+v", result)
	}

	if err := os.Remove(filepath.Join(filepath.Dir(configPath), "active", "go.mod")); err != nil {
		t.Fatal(err)
	}
	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", configPath, "--no-color")
	if code != exitError {
		t.Fatalf("expected exit 1 without go.mod, got %d", code)
	}
	if !strings.Contains(stdout, "ERROR [manifest]") {
		t.Fatalf("expected manifest diagnostic, got:\n%s", stdout)
	}

	bad := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(bad, []byte("service:\n  log_level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, _ = runCLIForTest(t, "config", "check", "--config", bad)
	if code != exitError {
		t.Fatalf("expected exit 1 for invalid config, got %d", code)
	}
}

func TestStageLifecycleViaCLI(t *testing.T) {
	configPath, activeDir := writeFixture(t)

	code, stdout, stderr := runCLIForTest(t, "stage", "begin", "--config", configPath, "--json", "example.com/dep@v1.2.4")
	if code != exitOK {
		t.Fatalf("begin exit %d: %s%s", code, stdout, stderr)
	}
	var begun api.StageResponse
	if err := json.Unmarshal([]byte(stdout), &begun); err != nil {
		t.Fatalf("decode begin: %v\n%s", err, stdout)
	}
	if begun.Token == "" || begun.Stage.State != stage.Available {
		t.Fatalf("unexpected begin response: %+v", begun)
	}

	code, _, stderr = runCLIForTest(t, "stage", "begin", "--config", configPath)
	if code != exitConflict {
		t.Fatalf("second begin should conflict, got %d: %s", code, stderr)
	}

	code, _, stderr = runCLIForTest(t, "stage", "apply", "--config", configPath, "--token", "wrong")
	if code != exitConflict {
		t.Fatalf("apply with wrong token should conflict, got %d: %s", code, stderr)
	}

	code, stdout, stderr = runCLIForTest(t, "stage", "require", "--config", configPath, "--token", begun.Token, "--json", "example.com/dep@v1.2.4")
	if code != exitOK {
		t.Fatalf("require exit %d: %s%s", code, stdout, stderr)
	}

	t.Setenv(tokenEnv, begun.Token)
	code, stdout, stderr = runCLIForTest(t, "stage", "apply", "--config", configPath, "--json")
	if code != exitOK {
		t.Fatalf("apply exit %d: %s%s", code, stdout, stderr)
	}
	if !strings.Contains(readActiveGoMod(t, activeDir), "example.com/dep v1.2.4") {
		t.Fatalf("active go.mod not updated:\n%s", readActiveGoMod(t, activeDir))
	}

	code, _, stderr = runCLIForTest(t, "stage", "destroy", "--config", configPath)
	if code != exitOK {
		t.Fatalf("destroy exit %d: %s", code, stderr)
	}

	code, stdout, _ = runCLIForTest(t, "stage", "history", "--config", configPath, "--json", begun.Stage.ID)
	if code != exitOK {
		t.Fatalf("history exit %d", code)
	}
	var history api.HistoryResponse
	if err := json.Unmarshal([]byte(stdout), &history); err != nil {
		t.Fatalf("decode history: %v\n%s", err, stdout)
	}
	var names []string
	for _, tr := range history.Transitions {
		names = append(names, tr.Event)
	}
	want := "lock_acquired,created,available,required,applying,applied,destroyed"
	if strings.Join(names, ",") != want {
		t.Fatalf("history = %v, want %s", names, want)
	}

	code, stdout, _ = runCLIForTest(t, "stage", "info", "--config", configPath, "--no-color")
	if code != exitOK || !strings.Contains(stdout, "No active stage.") {
		t.Fatalf("unexpected info after destroy: %d %q", code, stdout)
	}
}

func TestStageApplyWithoutToken(t *testing.T) {
	configPath, _ := writeFixture(t)
	t.Setenv(tokenEnv, "")

	code, _, stderr := runCLIForTest(t, "stage", "apply", "--config", configPath)
	if code != exitError || !strings.Contains(stderr, tokenEnv) {
		t.Fatalf("expected token error, got %d: %s", code, stderr)
	}
}

func TestForceDestroyWithoutStage(t *testing.T) {
	configPath, _ := writeFixture(t)

	code, _, stderr := runCLIForTest(t, "stage", "destroy", "--config", configPath, "--force")
	if code != exitError || !strings.Contains(stderr, "no active stage") {
		t.Fatalf("expected no-stage error, got %d: %s", code, stderr)
	}
}

func TestRunStatusJSON(t *testing.T) {
	configPath, _ := writeFixture(t)

	code, stdout, stderr := runCLIForTest(t, "status", "--config", configPath, "--json")
	if code != exitOK {
		t.Fatalf("status exit %d: %s%s", code, stdout, stderr)
	}
	var resp api.StatusResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if !resp.Valid {
		t.Fatalf("expected valid status: %+v", resp)
	}

	code, _, _ = runCLIForTest(t, "status", "--config", configPath, "--last", "--json")
	if code != exitOK {
		t.Fatalf("status --last exit %d", code)
	}
}

func TestCronRunAppliesNextPatch(t *testing.T) {
	configPath, activeDir := writeFixture(t)

	code, stdout, stderr := runCLIForTest(t, "cron", "run", "--config", configPath, "--json")
	if code != exitOK {
		t.Fatalf("cron run exit %d: %s%s", code, stdout, stderr)
	}
	var out updater.Outcome
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if out.Status != updater.StatusApplied || out.Target != "v1.2.4" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(readActiveGoMod(t, activeDir), "example.com/dep v1.2.4") {
		t.Fatalf("active go.mod not updated:\n%s", readActiveGoMod(t, activeDir))
	}

	code, stdout, _ = runCLIForTest(t, "cron", "run", "--config", configPath, "--json")
	if code != exitOK {
		t.Fatalf("second cron run exit %d", code)
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != updater.StatusUpToDate {
		t.Fatalf("expected up_to_date after applying, got %s", out.Status)
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(&stage.ApplyFailure{StageID: "s"}); got != exitCorrupted {
		t.Errorf("apply failure = %d", got)
	}
	if got := exitCodeFor(&stage.StateError{StageID: "s"}); got != exitConflict {
		t.Errorf("state error = %d", got)
	}
	if got := exitCodeFor(nil); got != exitOK {
		t.Errorf("nil = %d", got)
	}
}
