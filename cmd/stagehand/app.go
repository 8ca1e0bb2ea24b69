package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/release"
	"github.com/mattjoyce/stagehand/internal/scheduler"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/state"
	"github.com/mattjoyce/stagehand/internal/storage"
	"github.com/mattjoyce/stagehand/internal/updater"
	"github.com/mattjoyce/stagehand/internal/validators"
	"github.com/mattjoyce/stagehand/internal/workspace"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	store      *state.Store
	hub        *events.Hub
	dispatcher *events.Dispatcher
	workspace  workspace.Manager
	stager     *stage.Stager
	releases   release.Lister
	listeners  []string
}

// resolveConfigPath falls back to discovery when no --config was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.Discover()
	if err != nil {
		return "", err
	}
	return discovered, nil
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// openApp loads configuration and wires storage, locks, listeners and the
// stager. Callers must call close.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.State.Path, err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		store:  state.NewStore(db),
		hub:    events.NewHub(256),
	}

	ws, err := workspace.NewFSManager(cfg.Paths.StagingRoot)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize staging root: %w", err)
	}
	a.workspace = ws

	a.releases = a.buildReleases()

	a.dispatcher = events.NewDispatcher(log.Get(), cfg.Validators.Disabled...)
	registered, err := validators.Register(a.dispatcher, validators.Options{
		ActiveDir:    cfg.Paths.Active,
		StagingRoot:  cfg.Paths.StagingRoot,
		StatePath:    cfg.State.Path,
		Exclude:      cfg.Exclude,
		MinFreeBytes: cfg.Validators.MinFreeBytes,
		Project:      cfg.Releases.Project,
		Module:       cfg.Releases.Module,
		Releases:     a.releases,
		Store:        a.store,
		Logger:       log.Get(),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	a.listeners = registered

	copier := workspace.Copier{}
	a.stager, err = stage.New(cfg.Paths.Active, stage.Deps{
		Store:      a.store,
		Locks:      lock.NewManager(a.store, cfg.Lock.StaleAfter, log.Get()),
		Dispatcher: a.dispatcher,
		Workspace:  ws,
		Beginner:   copier,
		Committer:  copier,
		Requirer:   manifest.GoModRequirer{},
		History:    state.NewHistory(db),
		Hub:        a.hub,
		Logger:     log.Get(),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// buildReleases returns the configured release source wrapped in the
// state-backed cache, or nil when none is configured.
func (a *app) buildReleases() release.Lister {
	var upstream release.Lister
	switch {
	case a.cfg.Releases.URL != "":
		upstream = release.HTTPLister{
			URL:    a.cfg.Releases.URL,
			Secret: a.cfg.Releases.Secret,
			Client: &http.Client{Timeout: 30 * time.Second},
		}
	case a.cfg.Releases.File != "":
		upstream = release.FileLister{Path: a.cfg.Releases.File}
	default:
		return nil
	}
	return release.NewCachedLister(upstream, a.store, lock.Namespace, a.cfg.Releases.CacheTTL, log.Get())
}

// updater returns the unattended updater, or an error when releases are
// not configured.
func (a *app) updater() (*updater.Updater, error) {
	if a.releases == nil || a.cfg.Releases.Project == "" || a.cfg.Releases.Module == "" {
		return nil, fmt.Errorf("unattended updates need releases.project, releases.module and a release source")
	}
	return updater.New(a.stager, a.releases, nil, a.cfg.Releases.Project, a.cfg.Releases.Module, log.Get()), nil
}

// scheduler wraps the updater in the process-locked scheduler.
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	u, err := a.updater()
	if err != nil {
		return nil, err
	}
	interval, err := config.ParseInterval(a.cfg.Cron.Interval)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Interval: interval,
		Jitter:   a.cfg.Cron.Jitter,
		LockPath: a.cfg.Lock.ProcessLock,
	}, u, a.hub, log.Get()), nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}
