package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/release"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/storage"
	"github.com/mattjoyce/stagehand/internal/validation"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

var vcsDirs = []string{".git", ".hg", ".svn", ".bzr"}

func excludedPaths(opts Options) Builtin {
	return Builtin{
		Name:     NameExcludedPaths,
		Priority: 0,
		Kinds:    []events.Kind{events.CollectIgnoredPaths},
		Listener: stage.OnPaths(func(_ context.Context, ev *stage.PathsEvent) error {
			ev.Add(vcsDirs...)
			ev.Add(opts.Exclude...)
			if opts.StagingRoot != "" {
				ev.AddPath(opts.StagingRoot)
			}
			if opts.StatePath != "" {
				for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
					ev.AddPath(opts.StatePath + suffix)
				}
			}
			return nil
		}),
	}
}

func writableDirs(opts Options) Builtin {
	return Builtin{
		Name:     NameWritableDirs,
		Priority: 10,
		Kinds:    []events.Kind{events.PreCreate, events.PreApply, events.StatusCheck},
		Listener: stage.OnValidation(func(_ context.Context, ev *stage.ValidationEvent) error {
			var problems []string
			if err := storage.Writable(ev.ActiveDir()); err != nil {
				problems = append(problems, fmt.Sprintf("active directory: %v", err))
			}
			if opts.StagingRoot != "" && ev.Kind() != events.PreApply {
				if err := stagingRootWritable(opts.StagingRoot); err != nil {
					problems = append(problems, fmt.Sprintf("staging root: %v", err))
				}
			}
			addErrors(ev, problems, "Directories are not writable")
			return nil
		}),
	}
}

// stagingRootWritable checks the staging root, or the nearest existing
// directory it will be created under.
func stagingRootWritable(root string) error {
	dir, err := storage.NearestExisting(root)
	if err != nil {
		return err
	}
	return storage.Writable(dir)
}

func diskSpace(opts Options, logger *slog.Logger) Builtin {
	return Builtin{
		Name:     NameDiskSpace,
		Priority: 20,
		Kinds:    []events.Kind{events.PreCreate, events.StatusCheck},
		Listener: stage.OnValidation(func(_ context.Context, ev *stage.ValidationEvent) error {
			if opts.MinFreeBytes == 0 {
				return nil
			}
			target := opts.StagingRoot
			if target == "" {
				target = ev.ActiveDir()
			}
			free, err := storage.FreeBytes(target)
			if err != nil {
				logger.Debug("free space unavailable", "path", target, "error", err)
				ev.AddWarning("could not measure free space for %s: %v", target, err)
				return nil
			}
			if free < opts.MinFreeBytes {
				ev.AddError("only %s free for staging at %s, need %s",
					humanize.IBytes(free), target, humanize.IBytes(opts.MinFreeBytes))
			}
			return nil
		}),
	}
}

func manifestCheck(opts Options) Builtin {
	return Builtin{
		Name:     NameManifest,
		Priority: 30,
		Kinds:    []events.Kind{events.PreCreate, events.StatusCheck, events.PreRequire, events.PostRequire},
		Listener: stage.OnValidation(func(_ context.Context, ev *stage.ValidationEvent) error {
			switch ev.Kind() {
			case events.PreCreate, events.StatusCheck:
				if _, err := manifest.Read(ev.ActiveDir()); err != nil {
					ev.AddError("active manifest: %v", err)
				}
			case events.PreRequire:
				var problems []string
				for _, r := range ev.Requirements() {
					if err := r.Validate(); err != nil {
						problems = append(problems, err.Error())
					}
				}
				addErrors(ev, problems, "Requested requirements are invalid")
			case events.PostRequire:
				st := ev.Stage()
				if st == nil {
					return nil
				}
				missing, err := manifest.Missing(st.StagingDir(), ev.Requirements())
				if err != nil {
					return err
				}
				addErrors(ev, missing, "Staged manifest does not match the requested requirements")
			}
			return nil
		}),
	}
}

type recordedFingerprint struct {
	StageID string `json:"stage_id"`
	Digest  string `json:"digest"`
}

const fingerprintKey = "fingerprint"

// fingerprint records the staged tree digest after every sanctioned change
// and refuses to apply a tree modified behind the stager's back.
func fingerprint(opts Options, logger *slog.Logger) Builtin {
	namespace := lock.Namespace
	exclusions := func() *workspace.Exclusions {
		return workspace.NewExclusions(append(append([]string(nil), vcsDirs...), opts.Exclude...)...)
	}

	return Builtin{
		Name:     NameFingerprint,
		Priority: 90,
		Kinds:    []events.Kind{events.PostCreate, events.PostRequire, events.PreApply, events.PostDestroy},
		Listener: stage.OnValidation(func(ctx context.Context, ev *stage.ValidationEvent) error {
			st := ev.Stage()
			if st == nil {
				return nil
			}

			switch ev.Kind() {
			case events.PostDestroy:
				return opts.Store.Delete(ctx, namespace, fingerprintKey)

			case events.PostCreate, events.PostRequire:
				digest, err := workspace.Fingerprint(ctx, st.StagingDir(), exclusions())
				if err != nil {
					return err
				}
				raw, err := json.Marshal(recordedFingerprint{StageID: st.ID(), Digest: digest})
				if err != nil {
					return err
				}
				logger.Debug("recorded staged fingerprint", "stage_id", st.ID(), "digest", digest)
				return opts.Store.Set(ctx, namespace, fingerprintKey, raw)

			case events.PreApply:
				entry, ok, err := opts.Store.Get(ctx, namespace, fingerprintKey)
				if err != nil {
					return err
				}
				var rec recordedFingerprint
				if ok {
					if err := json.Unmarshal(entry.Value, &rec); err != nil {
						return fmt.Errorf("decode fingerprint: %w", err)
					}
				}
				if !ok || rec.StageID != st.ID() {
					ev.AddWarning("no recorded fingerprint for stage %s; staged tree cannot be verified", st.ID())
					return nil
				}
				digest, err := workspace.Fingerprint(ctx, st.StagingDir(), exclusions())
				if err != nil {
					return err
				}
				if digest != rec.Digest {
					ev.AddError("staged tree of stage %s changed outside the stager since its last recorded change", st.ID())
				}
			}
			return nil
		}),
	}
}

// updatePolicy reports, as warnings, why the next unattended update would
// be refused.
func updatePolicy(opts Options) Builtin {
	chain := policy.Unattended(opts.Project, opts.Releases)
	return Builtin{
		Name:     NameUpdatePolicy,
		Priority: 50,
		Kinds:    []events.Kind{events.StatusCheck},
		Listener: stage.OnValidation(func(ctx context.Context, ev *stage.ValidationEvent) error {
			installed, found, err := manifest.InstalledVersion(ev.ActiveDir(), opts.Module)
			if err != nil || !found {
				ev.AddWarning("installed version of %s is unknown", opts.Module)
				return nil
			}
			releases, err := opts.Releases.Installable(ctx, opts.Project)
			if err != nil {
				ev.AddWarning("release discovery for %s failed: %v", opts.Project, err)
				return nil
			}
			target, ok := release.NextPatch(installed, releases)
			if !ok {
				return nil
			}
			msgs, err := chain.Evaluate(ctx, installed, target)
			if err != nil {
				ev.AddWarning("update policy could not be evaluated: %v", err)
				return nil
			}
			if len(msgs) > 0 {
				r, err := validation.NewWarning(msgs, fmt.Sprintf("Unattended update %s -> %s would be refused", installed, target))
				if err != nil {
					return err
				}
				ev.Add(r)
			}
			return nil
		}),
	}
}

func addErrors(ev *stage.ValidationEvent, problems []string, summary string) {
	switch len(problems) {
	case 0:
	case 1:
		ev.AddError("%s", problems[0])
	default:
		r, err := validation.NewError(problems, summary)
		if err == nil {
			ev.Add(r)
		}
	}
}
