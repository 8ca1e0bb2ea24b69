// Package scheduler runs the unattended update on a jittered interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/updater"
)

// Config controls the tick loop.
type Config struct {
	Interval time.Duration
	Jitter   time.Duration
	// LockPath is the flock file that keeps two processes on one host
	// from running updates at the same time.
	LockPath string
}

// Scheduler triggers the Runner on every tick.
type Scheduler struct {
	cfg    Config
	runner Runner
	events *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a new Scheduler instance.
func New(cfg Config, runner Runner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		events: hub,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.cfg.Interval)
	}
	s.logger.Info("Starting scheduler", "interval", s.cfg.Interval, "jitter", s.cfg.Jitter)

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// tickLoop is the main scheduling loop.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial tick immediately
	s.tick(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.Interval, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.Interval, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, lock.ErrProcessLocked) {
		s.logger.Error("Unattended update failed", "error", err)
	}
}

// RunOnce performs a single guarded run. When another process holds the
// process lock the run is skipped and lock.ErrProcessLocked returned.
func (s *Scheduler) RunOnce(ctx context.Context) (updater.Outcome, error) {
	s.events.Publish("cron.tick", "", map[string]any{"at": time.Now().UTC()})

	if s.cfg.LockPath != "" {
		pl, err := lock.AcquireProcessLock(s.cfg.LockPath)
		if err != nil {
			if errors.Is(err, lock.ErrProcessLocked) {
				s.logger.Info("Skipped unattended update, another run is in progress", "lock", s.cfg.LockPath)
				s.events.Publish("cron.skipped", "", map[string]any{"reason": "process_locked"})
			}
			return updater.Outcome{}, err
		}
		defer func() {
			if err := pl.Release(); err != nil {
				s.logger.Warn("Failed to release process lock", "lock", s.cfg.LockPath, "error", err)
			}
		}()
	}

	out, err := s.runner.Run(ctx)
	data := map[string]any{
		"status":    out.Status,
		"module":    out.Module,
		"installed": out.Installed,
		"target":    out.Target,
	}
	if err != nil {
		data["error"] = err.Error()
		s.events.Publish("cron.failed", out.StageID, data)
		return out, err
	}
	s.logger.Info("Unattended update finished", "status", out.Status, "installed", out.Installed, "target", out.Target, "stage_id", out.StageID)
	s.events.Publish("cron.finished", out.StageID, data)
	return out, nil
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	// Generate a random duration between 0 and jitter
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}
