// Package reaper provides the adapter that runs the task reaper loop.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/core"
	"github.com/target/dubbing-api/internal/data"
	"github.com/target/dubbing-api/internal/observability/statsd"
	"github.com/target/dubbing-api/internal/service"
)

// Runner constructs the reaper service and runs its cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Config   config.ReaperConfig
	Logger   *slog.Logger
	Store    core.StateStore // marks expired jobs FAILED
	WorkRoot string          // per-job work directories removed with their tasks

	// Optional dependency injection for testing/decoupling
	Repo    core.ReaperRepository
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Repo == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		repo = data.NewTaskRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:     repo,
		Config:   opts.Config,
		Store:    opts.Store,
		WorkRoot: opts.WorkRoot,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}
