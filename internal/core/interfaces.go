// Package core declares the ports between the job manager and its collaborators.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces, not on concrete stores.

// ErrRetryBudgetExhausted is returned by CreateRetry when the root already has
// MaxRetries attempts at commit time.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// JobStore persists jobs, their dependency edges, retry chains and tags.
//
// Jobs returned by a store are hydrated: dependencies are loaded one level
// deep, a root carries its retry attempts, and a retry attempt points to its
// loaded root. Lookups that find nothing return an errors.NotFound AppError,
// except FindPending which returns model.ErrNoJobsAvailable.
type JobStore interface {
	// Create inserts unpersisted jobs in the given order, then their
	// dependency edges and tags, in one transaction, and assigns their IDs.
	// Each dependency must be persisted or part of the same call. A duplicate
	// active (command, args) root yields a Conflict error and nothing is
	// stored.
	Create(ctx context.Context, jobs ...*model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// GetByKey returns the most recent root job with exactly this command and args.
	GetByKey(ctx context.Context, command string, args []string) (*model.Job, error)
	// FindByRelatedEntity returns the most recent job for command tagged with entity.
	FindByRelatedEntity(ctx context.Context, command string, entity model.RelatedEntity) (*model.Job, error)
	// FindPending returns the first runnable pending job by priority then creation order.
	FindPending(ctx context.Context, filter model.PendingJobFilter) (*model.Job, error)
	// FindDependents returns the jobs that declared id as a dependency.
	FindDependents(ctx context.Context, id string) ([]*model.Job, error)
	// Claim atomically moves job from pending to running using the job's
	// StartedAt and WorkerName. It reports false when another worker won.
	Claim(ctx context.Context, job *model.Job) (bool, error)
	// ApplyStateChanges persists the new state, timestamps and output of every
	// changed job in one transaction.
	ApplyStateChanges(ctx context.Context, changes []StateChange) error
	// CreateRetry persists a retry attempt (and optionally the state of the
	// failed attempt) in one transaction after re-checking the root's budget.
	CreateRetry(ctx context.Context, params CreateRetryParams) error
	// Touch records a heartbeat. It reports false when the job does not exist.
	Touch(ctx context.Context, id string, at time.Time) (bool, error)
	Stats(ctx context.Context, queue string) (model.JobStats, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
}

// StateChange describes one job whose in-memory state must be written back.
type StateChange struct {
	Job  *model.Job
	From model.JobState
	// RequireFrom makes the write a compare-and-swap on From. Without it the
	// write only requires that the stored job is not already closed.
	RequireFrom bool
}

// CreateRetryParams groups parameters for JobStore.CreateRetry.
type CreateRetryParams struct {
	Root  *model.Job
	Retry *model.Job
	// Attempt is the failed retry attempt whose state changes with this retry, if any.
	Attempt *StateChange
}

// EventSink receives a notification after every persisted state change.
type EventSink interface {
	JobStateChanged(ctx context.Context, event model.StateChangeEvent) error
}

// DetachedCache remembers pending jobs that are blocked by a dependency that
// can never finish, so pollers stop offering them to workers.
type DetachedCache interface {
	Add(ctx context.Context, ids ...string) error
	IDs(ctx context.Context) ([]string, error)
}

// WatchdogRepository defines the queries the watchdog needs on top of JobStore.
type WatchdogRepository interface {
	// FindStalledJobs returns running jobs silent since before cutoff, skipping
	// roots that are waiting on retry attempts. Returns at most limit jobs.
	FindStalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)

	// FindExpiredPendingJobs returns pending root jobs created before cutoff.
	// Pending retry attempts are left alone; their root is still running.
	FindExpiredPendingJobs(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)

	// DeleteClosedJobs deletes root jobs in the given state closed for longer
	// than MaxAge that no open job depends on, with their retry attempts.
	// Processes up to BatchSize jobs per call to prevent long locks.
	DeleteClosedJobs(ctx context.Context, params DeleteClosedJobsParams) (int64, error)
}

// DeleteClosedJobsParams groups parameters for DeleteClosedJobs.
type DeleteClosedJobsParams struct {
	State     model.JobState
	MaxAge    time.Duration
	BatchSize int
}
