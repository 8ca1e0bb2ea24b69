package scheduler

import (
	"context"

	"github.com/mattjoyce/stagehand/internal/updater"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/stagehand/internal/scheduler Runner

// Runner performs one unattended update.
type Runner interface {
	Run(ctx context.Context) (updater.Outcome, error)
}
