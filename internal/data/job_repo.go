package data

import (
	"database/sql"
	"log/slog"

	"github.com/target/mmk-jobqueue/internal/core"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
)

// JobAddedChannel is the LISTEN/NOTIFY channel signalled with the queue name
// whenever a job may have become startable.
const JobAddedChannel = "job_added"

// Advisory lock namespace for watchdog deletes.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockWatchdogMajor  = 2000
	advisoryLockWatchdogDelete = 1
)

var (
	_ core.JobStore           = (*JobRepo)(nil)
	_ core.WatchdogRepository = (*JobRepo)(nil)
	_ domainjob.Waiter        = (*JobRepo)(nil)
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo is the Postgres implementation of the job store.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}

	var logger *slog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With("component", "job_repo")
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger,
	}
}

// jobColumns must stay in sync with jobRow.scan.
const jobColumns = `
  id::text,
  command,
  args,
  state,
  queue,
  priority,
  max_retries,
  original_job_id::text,
  worker_name,
  output,
  error_output,
  exit_code,
  execute_after,
  created_at,
  started_at,
  checked_at,
  closed_at,
  seq
`
