package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/doctor"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/tui"
	"github.com/mattjoyce/stagehand/internal/validation"
	"github.com/mattjoyce/stagehand/internal/validators"
)

func runStatus(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	common.register(fs)
	last := fs.Bool("last", false, "Show the cached result of the previous check instead of running one")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer a.close()
	th := theme(common.noColor)

	var report *stage.StatusReport
	if *last {
		report, err = a.stager.LastStatusCheck(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
		if report == nil {
			fmt.Fprintln(os.Stderr, "No status check has run yet.")
			return exitError
		}
	} else {
		fresh, err := a.stager.StatusCheck(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
		report = &fresh
	}
	resp := api.StatusResponse{Report: validation.NewReport(report.Results), CheckedAt: report.CheckedAt}

	code := exitOK
	if !resp.Valid {
		code = exitBlocked
	}
	if common.jsonOut {
		if rc := printJSON(resp); rc != exitOK {
			return rc
		}
		return code
	}

	fmt.Print(tui.RenderResults(th, report.Results))
	fmt.Println(th.Dim.Render("Checked at " + resp.CheckedAt.Local().Format("2006-01-02 15:04:05")))
	return code
}

func runCronNoun(args []string) int {
	if len(args) < 1 {
		printCronNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printCronNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "run":
		return runCronRun(args[1:])
	case "serve":
		return runCronServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown cron action: %s\n", args[0])
		return exitError
	}
}

func runCronRun(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer a.close()
	th := theme(common.noColor)

	sched, err := a.scheduler()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	out, err := sched.RunOnce(ctx)
	if common.jsonOut {
		if err != nil {
			body := errorJSON(err)
			body.Outcome = &out
			printJSON(body)
			return exitCodeFor(err)
		}
		return printJSON(out)
	}
	if errors.Is(err, lock.ErrProcessLocked) {
		fmt.Fprintln(os.Stderr, th.Warn.Render("Skipped: another update run is in progress."))
		return exitConflict
	}
	if out.Status != "" {
		fmt.Print(tui.RenderOutcome(th, out))
	}
	if err != nil {
		return reportError(th, err)
	}
	return exitOK
}

func runCronServe(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	return serve(configPath, false, true)
}

func runServe(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	return serve(configPath, true, false)
}

// serve runs the API and/or the cron scheduler in the foreground until a
// signal arrives. withAPI follows api.enabled; forceCron ignores
// cron.enabled.
func serve(configPath string, withAPI, forceCron bool) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer a.close()
	logger := a.logger
	logger.Info("stagehand starting", "version", version, "config", a.cfg.SourcePath, "active", a.cfg.Paths.Active, "listeners", a.listeners)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 2)
	running := 0

	if forceCron || a.cfg.Cron.Enabled {
		sched, err := a.scheduler()
		if err != nil {
			logger.Error("failed to configure scheduler", "error", err)
			return exitError
		}
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return exitError
		}
		defer sched.Stop()
		running++
		logger.Info("unattended updates enabled", "interval", a.cfg.Cron.Interval, "module", a.cfg.Releases.Module)
	}

	if withAPI && a.cfg.API.Enabled {
		var updates api.UpdateRunner
		if sched, err := a.scheduler(); err == nil {
			updates = sched
		}
		srv := api.New(api.Config{Listen: a.cfg.API.Listen, APIKey: a.cfg.API.Auth.APIKey}, a.stager, updates, a.hub, log.Get())
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		running++
		logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}

	if running == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to run: enable api or cron in the configuration.")
		return exitError
	}

	logger.Info("stagehand running (press Ctrl+C to stop)")
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return exitError
	}
	logger.Info("stagehand stopped")
	return exitOK
}

func runEvents(args []string) int {
	var apiURL, apiKey, stageID string
	var noColor bool
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.StringVar(&apiURL, "api-url", "http://127.0.0.1:8080", "Base URL of a running stagehand API")
	fs.StringVar(&apiKey, "api-key", os.Getenv("STAGEHAND_API_KEY"), "API key (default: $STAGEHAND_API_KEY)")
	fs.StringVar(&stageID, "stage", "", "Only show events of this stage")
	fs.BoolVar(&noColor, "no-color", false, "Disable coloured output")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "An API key is required (--api-key or $STAGEHAND_API_KEY).")
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	th := theme(noColor)

	err := tui.Follow(ctx, nil, apiURL, apiKey, stageID, 0, func(n events.Notification) {
		fmt.Println(tui.RenderNotification(th, n))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "show":
		return runConfigShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return exitError
	}
}

type configCheckResult struct {
	Valid     bool           `json:"valid"`
	Path      string         `json:"path,omitempty"`
	Error     string         `json:"error,omitempty"`
	Listeners []string       `json:"listeners,omitempty"`
	Errors    []doctor.Issue `json:"errors,omitempty"`
	Warnings  []doctor.Issue `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	th := theme(common.noColor)

	result := configCheckResult{}
	cfg, err := loadConfig(common.configPath)
	if err != nil {
		result.Error = err.Error()
	} else {
		diag := doctor.New(cfg).Validate()
		result.Valid = diag.Valid
		result.Path = cfg.SourcePath
		result.Listeners = listenerPlan(cfg)
		result.Errors = diag.Errors
		result.Warnings = diag.Warnings
	}

	switch {
	case common.jsonOut:
		printJSON(result)
	case result.Error != "":
		fmt.Fprintln(os.Stderr, th.Error.Render("Configuration invalid: "+result.Error))
	default:
		report := doctor.FormatHuman(&doctor.Result{Valid: result.Valid, Errors: result.Errors, Warnings: result.Warnings})
		if result.Valid {
			fmt.Print(th.OK.Render(report))
		} else {
			fmt.Print(th.Error.Render(report))
		}
		fmt.Printf("Config:    %s\n", result.Path)
		fmt.Printf("Active:    %s\n", cfg.Paths.Active)
		fmt.Printf("Staging:   %s\n", cfg.Paths.StagingRoot)
		fmt.Printf("State:     %s\n", cfg.State.Path)
		fmt.Printf("Listeners: %v\n", result.Listeners)
	}

	if !result.Valid {
		return exitError
	}
	return exitOK
}

// listenerPlan names the built-in listeners the config would register.
func listenerPlan(cfg *config.Config) []string {
	disabled := make(map[string]bool, len(cfg.Validators.Disabled))
	for _, d := range cfg.Validators.Disabled {
		disabled[d] = true
	}
	names := []string{
		validators.NameExcludedPaths,
		validators.NameWritableDirs,
		validators.NameDiskSpace,
		validators.NameManifest,
		validators.NameFingerprint,
	}
	if cfg.Releases.Project != "" && cfg.Releases.Module != "" && (cfg.Releases.URL != "" || cfg.Releases.File != "") {
		names = append(names, validators.NameUpdatePolicy)
	}
	var out []string
	for _, n := range names {
		if !disabled[n] {
			out = append(out, n)
		}
	}
	return out
}

func runConfigShow(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = "********"
	}
	if cfg.Releases.Secret != "" {
		cfg.Releases.Secret = "********"
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return exitError
	}
	fmt.Print(string(data))
	return exitOK
}

func printCronNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stagehand cron <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: run, serve")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stagehand config <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printStatusHelp() {
	fmt.Println("Usage: stagehand status [--config PATH] [--json] [--last]")
	fmt.Println("Ask every validator whether a stage could be created and applied now.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  No errors (warnings may be present)")
	fmt.Println("  2  One or more errors")
}

func printServeHelp() {
	fmt.Println("Usage: stagehand serve [--config PATH]")
	fmt.Println("Start the HTTP API and, when cron.enabled is set, the update scheduler.")
}

func printEventsHelp() {
	fmt.Println("Usage: stagehand events [--api-url URL] [--api-key KEY] [--stage ID]")
	fmt.Println("Follow lifecycle events from a running stagehand API.")
}
