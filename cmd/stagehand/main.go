package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/tui"
	"github.com/mattjoyce/stagehand/internal/validation"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes shared by every command.
const (
	exitOK        = 0
	exitError     = 1
	exitBlocked   = 2
	exitConflict  = 3
	exitCorrupted = 4
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitError
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "stage":
		return runStageNoun(args)
	case "cron":
		return runCronNoun(args)
	case "config":
		return runConfigNoun(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return exitOK
		}
		return runStatus(args)
	case "events":
		if hasHelpFlag(args) {
			printEventsHelp()
			return exitOK
		}
		return runEvents(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return exitOK
		}
		return runServe(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitError
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitError
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: stagehand version [--json]")
		return exitError
	}

	info := currentVersionInfo()

	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("stagehand %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`stagehand - Staged, validated updates of a Go module tree

Usage:
  stagehand <noun> <action> [flags]

Stage Commands:
  stage begin       Lock the active directory and create a staged copy
  stage require     Add module requirements to the staged go.mod
  stage apply       Promote the staged copy over the active directory
  stage destroy     Remove the stage and release the lock (--force to recover)
  stage info        Show the active stage and lock holder
  stage history     Show recorded transitions of a stage
  stage prune       Remove orphaned staging directories

Unattended Updates:
  cron run          Run one guarded patch update now
  cron serve        Run patch updates on the configured interval

Service:
  serve             Start the HTTP API (and cron when enabled)
  status            Run a readiness check without staging anything
  events            Follow lifecycle events from a running API

Config Commands:
  config check      Validate configuration and diagnose paths and filesystems
  config show       Print the effective configuration

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'stagehand <noun> help' for action-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return exitError
	}
	fmt.Println(string(data))
	return exitOK
}

// theme honours --no-color and NO_COLOR.
func theme(noColor bool) tui.Theme {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return tui.Plain()
	}
	return tui.NewDefaultTheme()
}

// exitCodeFor maps lifecycle errors onto process exit codes.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, stage.ErrApplyFailed):
		return exitCorrupted
	case errors.Is(err, validation.ErrValidation), errors.Is(err, policy.ErrPolicyViolation):
		return exitBlocked
	case errors.Is(err, lock.ErrNotOwner), errors.Is(err, stage.ErrInvalidState), errors.Is(err, lock.ErrProcessLocked):
		return exitConflict
	default:
		return exitError
	}
}

// reportError prints err for a human and returns the exit code. Validation
// failures print every result, warnings included.
func reportError(th tui.Theme, err error) int {
	if results, ok := validation.ResultsOf(err); ok {
		fmt.Print(tui.RenderResults(th, results))
		return exitCodeFor(err)
	}
	var applyErr *stage.ApplyFailure
	if errors.As(err, &applyErr) {
		fmt.Fprintln(os.Stderr, th.Error.Render("APPLY FAILED: "+applyErr.Error()))
		fmt.Fprintln(os.Stderr, "The stage is corrupted and keeps the lock. Restore the active directory from backup, then run 'stagehand stage destroy --force'.")
		return exitCorrupted
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCodeFor(err)
}
