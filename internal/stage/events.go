package stage

import (
	"context"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/validation"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

// ValidationEvent is delivered for every lifecycle kind except
// CollectIgnoredPaths. Listeners append results to it.
type ValidationEvent struct {
	kind         events.Kind
	stage        *Stage
	activeDir    string
	requirements []manifest.Requirement
	results      []validation.Result
}

func newValidationEvent(kind events.Kind, st *Stage, activeDir string, reqs []manifest.Requirement) *ValidationEvent {
	return &ValidationEvent{
		kind:         kind,
		stage:        st,
		activeDir:    activeDir,
		requirements: append([]manifest.Requirement(nil), reqs...),
	}
}

func (e *ValidationEvent) Kind() events.Kind { return e.kind }

// Stage returns the issuing stage, or nil for StatusCheck.
func (e *ValidationEvent) Stage() *Stage { return e.stage }

// ActiveDir is the live directory being staged.
func (e *ValidationEvent) ActiveDir() string { return e.activeDir }

// Requirements are the changes planned or being applied, when any.
func (e *ValidationEvent) Requirements() []manifest.Requirement {
	return append([]manifest.Requirement(nil), e.requirements...)
}

// Add appends results in order. Zero results are dropped.
func (e *ValidationEvent) Add(results ...validation.Result) {
	for _, r := range results {
		if !r.IsZero() {
			e.results = append(e.results, r)
		}
	}
}

func (e *ValidationEvent) AddError(format string, args ...any) {
	e.Add(validation.Errorf(format, args...))
}

func (e *ValidationEvent) AddWarning(format string, args ...any) {
	e.Add(validation.Warningf(format, args...))
}

// Results returns a copy of everything contributed so far, in order.
func (e *ValidationEvent) Results() []validation.Result {
	return append([]validation.Result(nil), e.results...)
}

func (e *ValidationEvent) HasErrors() bool { return validation.HasErrors(e.results) }

// PathsEvent collects exclusion patterns before a copy.
type PathsEvent struct {
	stage     *Stage
	activeDir string
	paths     *workspace.Exclusions
}

func (e *PathsEvent) Kind() events.Kind { return events.CollectIgnoredPaths }

func (e *PathsEvent) Stage() *Stage { return e.stage }

func (e *PathsEvent) ActiveDir() string { return e.activeDir }

// Add contributes patterns relative to the active directory.
func (e *PathsEvent) Add(patterns ...string) { e.paths.Add(patterns...) }

// AddPath contributes an absolute path; paths outside the active
// directory are ignored and reported false.
func (e *PathsEvent) AddPath(abs string) bool { return e.paths.AddPath(e.activeDir, abs) }

func (e *PathsEvent) Patterns() []string { return e.paths.Patterns() }

// OnValidation adapts fn into a listener that ignores other event types.
func OnValidation(fn func(ctx context.Context, ev *ValidationEvent) error) events.Listener {
	return func(ctx context.Context, ev events.Event) error {
		if v, ok := ev.(*ValidationEvent); ok {
			return fn(ctx, v)
		}
		return nil
	}
}

// OnPaths adapts fn into a CollectIgnoredPaths listener.
func OnPaths(fn func(ctx context.Context, ev *PathsEvent) error) events.Listener {
	return func(ctx context.Context, ev events.Event) error {
		if p, ok := ev.(*PathsEvent); ok {
			return fn(ctx, p)
		}
		return nil
	}
}

func listenerResult(le *events.ListenerError) validation.Result {
	return validation.Errorf("validator %s failed: %v", le.Listener, le.Err)
}
