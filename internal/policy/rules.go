package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ReleaseLister is the release-discovery collaborator.
type ReleaseLister interface {
	Installable(ctx context.Context, project string) ([]string, error)
}

// Canonical normalizes a version to canonical semver with a leading "v".
// It returns "" when version is not valid semver.
func Canonical(version string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// TargetInstallable flags a target absent from the published releases.
type TargetInstallable struct {
	Project  string
	Releases ReleaseLister
}

func (TargetInstallable) Name() string { return "target_installable" }

func (r TargetInstallable) Evaluate(ctx context.Context, _, target string) ([]string, error) {
	releases, err := r.Releases.Installable(ctx, r.Project)
	if err != nil {
		return nil, fmt.Errorf("list installable releases: %w", err)
	}
	want := Canonical(target)
	for _, rel := range releases {
		if want != "" && Canonical(rel) == want {
			return nil, nil
		}
	}
	return []string{fmt.Sprintf("version %s of %s is not installable", target, r.Project)}, nil
}

// PatchLevelAhead requires the target to be exactly one patch level above
// the installed version with the same major and minor.
type PatchLevelAhead struct{}

func (PatchLevelAhead) Name() string { return "patch_level_ahead" }

func (PatchLevelAhead) Evaluate(_ context.Context, installed, target string) ([]string, error) {
	in, okIn := parseTriple(installed)
	tg, okTg := parseTriple(target)
	if !okIn || !okTg {
		return []string{fmt.Sprintf("cannot compare versions %q and %q", installed, target)}, nil
	}
	if in[0] != tg[0] || in[1] != tg[1] || tg[2] != in[2]+1 {
		next, _ := NextPatch(installed)
		return []string{fmt.Sprintf(
			"unattended updates may only move one patch level: %s -> %s is not allowed (next patch is %s)",
			installed, target, next,
		)}, nil
	}
	return nil, nil
}

// InstalledNotDevSnapshot refuses unattended updates away from a
// pre-release or build-tagged installation.
type InstalledNotDevSnapshot struct{}

func (InstalledNotDevSnapshot) Name() string { return "installed_not_dev" }

func (InstalledNotDevSnapshot) Evaluate(_ context.Context, installed, _ string) ([]string, error) {
	v := Canonical(installed)
	if v == "" {
		return nil, nil
	}
	if semver.Prerelease(v) != "" || strings.Contains(installed, "+") {
		return []string{fmt.Sprintf("installed version %s is a development snapshot and must be updated manually", installed)}, nil
	}
	return nil, nil
}

// TargetNotPrerelease refuses pre-release targets.
type TargetNotPrerelease struct{}

func (TargetNotPrerelease) Name() string { return "target_not_prerelease" }

func (TargetNotPrerelease) Evaluate(_ context.Context, _, target string) ([]string, error) {
	v := Canonical(target)
	if v != "" && semver.Prerelease(v) != "" {
		return []string{fmt.Sprintf("target version %s is a pre-release", target)}, nil
	}
	return nil, nil
}

// Unattended returns the rule chain applied to cron-triggered updates.
func Unattended(project string, releases ReleaseLister) *Chain {
	return NewChain(
		TargetInstallable{Project: project, Releases: releases},
		PatchLevelAhead{},
		InstalledNotDevSnapshot{},
		TargetNotPrerelease{},
	)
}

func parseTriple(version string) ([3]int, bool) {
	var out [3]int
	v := Canonical(version)
	if v == "" {
		return out, false
	}
	core := strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// NextPatch returns the version string one patch level above installed.
func NextPatch(installed string) (string, bool) {
	t, ok := parseTriple(installed)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("v%d.%d.%d", t[0], t[1], t[2]+1), true
}
