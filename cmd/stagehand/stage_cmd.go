package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/tui"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// tokenEnv lets a shell session carry the stage token between commands.
const tokenEnv = "STAGEHAND_STAGE_TOKEN"

type commonFlags struct {
	configPath string
	jsonOut    bool
	noColor    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&c.jsonOut, "json", false, "Output JSON")
	fs.BoolVar(&c.noColor, "no-color", false, "Disable coloured output")
}

type ownerFlags struct {
	stageID string
	token   string
}

func (o *ownerFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&o.stageID, "stage", "", "Stage ID (default: the active stage)")
	fs.StringVar(&o.token, "token", "", "Stage token (default: $"+tokenEnv+")")
}

func runStageNoun(args []string) int {
	if len(args) < 1 {
		printStageNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printStageNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printStageActionHelp(action)
		return exitOK
	}

	switch action {
	case "begin":
		return runStageBegin(actionArgs)
	case "require":
		return runStageRequire(actionArgs)
	case "apply":
		return runStageApply(actionArgs)
	case "destroy":
		return runStageDestroy(actionArgs)
	case "info":
		return runStageInfo(actionArgs)
	case "history":
		return runStageHistory(actionArgs)
	case "prune":
		return runStagePrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown stage action: %s\n", action)
		return exitError
	}
}

func parseRequirements(args []string) ([]manifest.Requirement, error) {
	reqs := make([]manifest.Requirement, 0, len(args))
	for _, a := range args {
		r, err := manifest.ParseRequirement(a)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func runStageBegin(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("begin", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	planned, err := parseRequirements(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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

	st, results, err := a.stager.Begin(ctx, planned)
	if err != nil {
		if st != nil {
			fmt.Fprintf(os.Stderr, "Stage %s was created but is not usable; destroy it with --token %s\n", st.ID(), st.Token())
		}
		if common.jsonOut {
			body := errorJSON(err)
			if st != nil {
				body.StageID = st.ID()
				body.Token = st.Token()
			}
			printJSON(body)
			return exitCodeFor(err)
		}
		return reportError(th, err)
	}

	if common.jsonOut {
		return printJSON(api.StageResponse{Stage: st.Record(), Token: st.Token(), Results: results})
	}
	rec := st.Record()
	fmt.Print(tui.RenderStage(th, &rec, nil))
	if len(results) > 0 {
		fmt.Print(tui.RenderResults(th, results))
	}
	fmt.Printf("\nToken: %s\n", st.Token())
	fmt.Printf("Continue with:\n  export %s=%s\n", tokenEnv, st.Token())
	return exitOK
}

// claimStage resumes the stage named by flags or the active one.
func claimStage(ctx context.Context, a *app, owner ownerFlags) (*stage.Stage, error) {
	token := owner.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("no stage token: pass --token or set %s", tokenEnv)
	}
	id := owner.stageID
	if id == "" {
		rec, err := a.stager.Current(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, stage.ErrNoStage
		}
		id = rec.ID
	}
	return a.stager.Claim(ctx, id, token)
}

// runOwned claims the stage and runs op against it, printing the outcome.
func runOwned(name string, args []string, positional bool, op func(context.Context, *stage.Stage, []string) ([]validation.Result, error)) int {
	var common commonFlags
	var owner ownerFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common.register(fs)
	owner.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if !positional && fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: stagehand stage %s [flags]\n", name)
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

	st, err := claimStage(ctx, a, owner)
	if err != nil {
		if common.jsonOut {
			printJSON(errorJSON(err))
			return exitCodeFor(err)
		}
		return reportError(th, err)
	}

	results, err := op(ctx, st, fs.Args())
	if err != nil {
		if common.jsonOut {
			body := errorJSON(err)
			body.StageID = st.ID()
			printJSON(body)
			return exitCodeFor(err)
		}
		return reportError(th, err)
	}

	if common.jsonOut {
		return printJSON(api.StageResponse{Stage: st.Record(), Results: results})
	}
	rec := st.Record()
	fmt.Print(tui.RenderStage(th, &rec, nil))
	if len(results) > 0 {
		fmt.Print(tui.RenderResults(th, results))
	}
	return exitOK
}

func runStageRequire(args []string) int {
	return runOwned("require", args, true, func(ctx context.Context, st *stage.Stage, rest []string) ([]validation.Result, error) {
		if len(rest) == 0 {
			return nil, fmt.Errorf("usage: stagehand stage require [flags] module@version...")
		}
		reqs, err := parseRequirements(rest)
		if err != nil {
			return nil, err
		}
		return st.Require(ctx, reqs)
	})
}

func runStageApply(args []string) int {
	return runOwned("apply", args, false, func(ctx context.Context, st *stage.Stage, _ []string) ([]validation.Result, error) {
		return st.Apply(ctx)
	})
}

func runStageDestroy(args []string) int {
	for _, a := range args {
		if a == "--force" || a == "-force" || a == "--force=true" {
			return runStageForceDestroy(args)
		}
	}
	return runOwned("destroy", args, false, func(ctx context.Context, st *stage.Stage, _ []string) ([]validation.Result, error) {
		return st.Destroy(ctx)
	})
}

func runStageForceDestroy(args []string) int {
	var common commonFlags
	var force bool
	var stageID string
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	common.register(fs)
	fs.BoolVar(&force, "force", false, "Destroy without the stage token")
	fs.StringVar(&stageID, "stage", "", "Only destroy if this stage is active")
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

	rec, results, err := a.stager.ForceDestroy(ctx, stageID)
	if err != nil {
		if common.jsonOut {
			printJSON(errorJSON(err))
			return exitCodeFor(err)
		}
		return reportError(th, err)
	}
	if common.jsonOut {
		return printJSON(api.StageResponse{Stage: *rec, Results: results})
	}
	fmt.Println(th.Warn.Render(fmt.Sprintf("Stage %s force destroyed.", rec.ID)))
	if len(results) > 0 {
		fmt.Print(tui.RenderResults(th, results))
	}
	return exitOK
}

func runStageInfo(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
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

	rec, err := a.stager.Current(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	held, err := a.stager.Lock(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	if common.jsonOut {
		return printJSON(api.CurrentStageResponse{Stage: rec, Lock: held})
	}
	fmt.Print(tui.RenderStage(theme(common.noColor), rec, held))
	return exitOK
}

func runStageHistory(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common.register(fs)
	stageID := fs.String("stage", "", "Stage ID (default: the active stage)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *stageID == "" && fs.NArg() == 1 {
		*stageID = fs.Arg(0)
	}

	ctx := context.Background()
	a, err := openApp(ctx, common.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	defer a.close()

	if *stageID == "" {
		rec, err := a.stager.Current(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
		if rec == nil {
			fmt.Fprintln(os.Stderr, "No active stage; pass a stage ID.")
			return exitError
		}
		*stageID = rec.ID
	}

	transitions, err := a.stager.History(ctx, *stageID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if common.jsonOut {
		return printJSON(api.HistoryResponse{StageID: *stageID, Transitions: transitions})
	}
	fmt.Print(tui.RenderHistory(theme(common.noColor), transitions))
	return exitOK
}

func runStagePrune(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	common.register(fs)
	olderThan := fs.Duration("older-than", 24*time.Hour, "Only remove staging directories older than this")
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

	var keep []string
	if rec, err := a.stager.Current(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	} else if rec != nil {
		keep = append(keep, rec.ID)
	}

	report, err := a.workspace.Cleanup(ctx, *olderThan, keep...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if common.jsonOut {
		return printJSON(report)
	}
	fmt.Printf("Removed %d staging director(ies) under %s.\n", report.DeletedDirs, a.workspace.Root())
	return exitOK
}

// errorJSON builds the API's error body so CLI and HTTP output match.
func errorJSON(err error) api.ErrorResponse {
	body := api.ErrorResponse{Error: err.Error()}
	if results, ok := validation.ResultsOf(err); ok {
		body.Results = results
	}
	var applyErr *stage.ApplyFailure
	if errors.As(err, &applyErr) {
		body.StageID = applyErr.StageID
		body.StagingDir = applyErr.StagingDir
		body.Restore = true
	}
	return body
}

func printStageNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stagehand stage <action> [flags]")
	fmt.Fprintln(w, "Actions: begin, require, apply, destroy, info, history, prune")
}

func printStageActionHelp(action string) {
	usage := map[string]string{
		"begin":   "stagehand stage begin [--config PATH] [--json] [module@version...]\nLock the active directory and copy it into a new stage. Planned requirements are shown to pre-create validators.",
		"require": "stagehand stage require [--stage ID] [--token T] module@version...\nRecord requirements in the staged go.mod.",
		"apply":   "stagehand stage apply [--stage ID] [--token T]\nCopy the staged tree over the active directory. A failure part way leaves the stage corrupted.",
		"destroy": "stagehand stage destroy [--stage ID] [--token T] [--force]\nRemove the staging directory and release the lock. --force needs no token and recovers a corrupted stage.",
		"info":    "stagehand stage info [--json]\nShow the active stage and lock holder.",
		"history": "stagehand stage history [--stage ID | ID] [--json]\nShow recorded transitions.",
		"prune":   "stagehand stage prune [--older-than 24h]\nRemove staging directories no stage owns.",
	}
	if u, ok := usage[action]; ok {
		fmt.Println("Usage: " + strings.Replace(u, "\n", "\n\n", 1))
		fmt.Printf("\nThe token defaults to $%s.\n", tokenEnv)
		return
	}
	printStageNounHelp(os.Stdout)
}
