// Package updater performs the unattended (cron) patch update: pick the
// next patch release, check it against the update policy, then stage,
// require, apply and destroy.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/release"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/validation"
)

// Status summarizes how a run ended.
type Status string

const (
	StatusUpToDate Status = "up_to_date"
	StatusRefused  Status = "refused"
	StatusFailed   Status = "failed"
	StatusApplied  Status = "applied"
	// StatusCorrupted means apply failed part way; restore from backup.
	StatusCorrupted Status = "corrupted"
)

// Outcome describes one run.
type Outcome struct {
	Status    Status              `json:"status"`
	Module    string              `json:"module"`
	Installed string              `json:"installed,omitempty"`
	Target    string              `json:"target,omitempty"`
	StageID   string              `json:"stage_id,omitempty"`
	Results   []validation.Result `json:"results,omitempty"`
}

// Stager is the part of *stage.Stager an update needs.
type Stager interface {
	ActiveDir() string
	Begin(ctx context.Context, planned []manifest.Requirement) (*stage.Stage, []validation.Result, error)
}

type Updater struct {
	stager   Stager
	releases release.Lister
	chain    *policy.Chain
	project  string
	module   string
	logger   *slog.Logger
}

// New creates an updater for module, whose releases are published under
// project. A nil chain uses policy.Unattended.
func New(stager Stager, releases release.Lister, chain *policy.Chain, project, module string, logger *slog.Logger) *Updater {
	if chain == nil {
		chain = policy.Unattended(project, releases)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		stager:   stager,
		releases: releases,
		chain:    chain,
		project:  project,
		module:   module,
		logger:   logger.With("component", "updater", "module", module),
	}
}

// Run performs one unattended update. A policy violation refuses the
// update before anything is staged. Failures before apply destroy the
// stage; an apply failure leaves it Corrupted and is returned as is.
func (u *Updater) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{Module: u.module}

	installed, found, err := manifest.InstalledVersion(u.stager.ActiveDir(), u.module)
	if err != nil {
		out.Status = StatusFailed
		return out, fmt.Errorf("read installed version: %w", err)
	}
	if !found {
		out.Status = StatusFailed
		return out, fmt.Errorf("module %s is not required by the active manifest", u.module)
	}
	out.Installed = installed

	releases, err := u.releases.Installable(ctx, u.project)
	if err != nil {
		out.Status = StatusFailed
		return out, fmt.Errorf("discover releases: %w", err)
	}
	target, ok := release.NextPatch(installed, releases)
	if !ok {
		u.logger.Info("no patch release available", "installed", installed)
		out.Status = StatusUpToDate
		return out, nil
	}
	out.Target = target

	if err := u.chain.Enforce(ctx, installed, target); err != nil {
		if errors.Is(err, policy.ErrPolicyViolation) {
			u.logger.Warn("unattended update refused", "installed", installed, "target", target, "error", err)
			out.Status = StatusRefused
		} else {
			out.Status = StatusFailed
		}
		return out, err
	}

	reqs := []manifest.Requirement{{Path: u.module, Version: policy.Canonical(target)}}

	st, results, err := u.stager.Begin(ctx, reqs)
	out.Results = append(out.Results, results...)
	if st != nil {
		out.StageID = st.ID()
	}
	if err != nil {
		out.Status = StatusFailed
		u.discard(ctx, st)
		return out, err
	}

	results, err = st.Require(ctx, reqs)
	out.Results = append(out.Results, results...)
	if err != nil {
		out.Status = StatusFailed
		u.discard(ctx, st)
		return out, err
	}

	results, err = st.Apply(ctx)
	out.Results = append(out.Results, results...)
	if err != nil {
		switch {
		case errors.Is(err, stage.ErrApplyFailed):
			u.logger.Error("unattended update corrupted the active directory", "stage_id", st.ID(), "error", err)
			out.Status = StatusCorrupted
		case st.State() == stage.Applied:
			// Post-apply validation failed; the update itself is live.
			out.Status = StatusApplied
			u.discard(ctx, st)
		default:
			out.Status = StatusFailed
			u.discard(ctx, st)
		}
		return out, err
	}

	results, err = st.Destroy(ctx)
	out.Results = append(out.Results, results...)
	out.Status = StatusApplied
	if err != nil {
		// The update is live; only the cleanup failed.
		u.logger.Warn("applied update but destroy failed", "stage_id", st.ID(), "error", err)
		return out, err
	}

	u.logger.Info("unattended update applied", "installed", installed, "target", target, "stage_id", out.StageID)
	return out, nil
}

func (u *Updater) discard(ctx context.Context, st *stage.Stage) {
	if st == nil {
		return
	}
	if _, err := st.Destroy(ctx); err != nil {
		u.logger.Warn("failed to destroy abandoned stage", "stage_id", st.ID(), "error", err)
	}
}
