// Package watchdog provides adapters for running the job watchdog.
package watchdog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
)

// Runner provides a simple adapter to run the watchdog loop.
type Runner struct {
	watchdog *service.WatchdogService
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Closer service.JobCloser
	Config config.WatchdogConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Repo    core.WatchdogRepository
	Stats   service.StatsReader
	Metrics statsd.Sink
}

// NewRunner creates a new watchdog runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}

	svc, err := service.NewWatchdogService(service.WatchdogServiceOptions{
		Repo:    repo,
		Closer:  opts.Closer,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Stats:   opts.Stats,
	})
	if err != nil {
		return nil, fmt.Errorf("wire watchdog service: %w", err)
	}

	return &Runner{watchdog: svc, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Repo == nil {
		return errors.New("database connection is required")
	}
	if opts.Closer == nil {
		return errors.New("job closer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run starts the watchdog loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting watchdog runner")
	return r.watchdog.Run(ctx)
}

// RunOnce performs a single watchdog pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.watchdog.RunOnce(ctx)
}
