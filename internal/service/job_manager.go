package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobqueue/internal/core"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

// JobManagerOptions groups dependencies for JobManager.
type JobManagerOptions struct {
	Store       core.JobStore         // Required: job persistence
	EventSink   core.EventSink        // Optional: state change notifications
	RetryPolicy domainjob.RetryPolicy // Optional: defaults to ImmediateRetryPolicy
	Metrics     statsd.Sink           // Optional: lifecycle metrics
	Logger      *slog.Logger          // Optional: structured logger
	Now         func() time.Time      // Optional: clock override for tests
}

// JobManager is the scheduling core of the queue. It looks jobs up, claims
// startable ones for workers and closes them, spawning retries and cascading
// cancellations through the dependency graph.
//
// JobManager keeps no state between calls; every decision is made against the
// store, so any number of processes may share one store.
type JobManager struct {
	store       core.JobStore
	sink        core.EventSink
	retryPolicy domainjob.RetryPolicy
	metrics     statsd.Sink
	logger      *slog.Logger
	now         func() time.Time
}

// StartableRequest describes one poll of FindStartableJob.
type StartableRequest struct {
	WorkerName string
	// ExcludedIDs is updated in place with every candidate skipped during the poll.
	ExcludedIDs      model.IDSet
	ExcludedQueues   []string
	RestrictedQueues []string
}

// StartableResult is the outcome of FindStartableJob. Job is nil when nothing
// can be started right now.
type StartableResult struct {
	Job *model.Job
	// Detached lists candidates blocked by a dependency that can never finish.
	// Callers should drop any cached reference to them.
	Detached []string
}

// NewJobManager constructs a new JobManager.
func NewJobManager(opts JobManagerOptions) (*JobManager, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}

	retryPolicy := opts.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = domainjob.ImmediateRetryPolicy{}
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_manager")
	}

	return &JobManager{
		store:       opts.Store,
		sink:        opts.EventSink,
		retryPolicy: retryPolicy,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         now,
	}, nil
}

// MustNewJobManager constructs a new JobManager and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobManager(opts JobManagerOptions) *JobManager {
	m, err := NewJobManager(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobManager: %v", err))
	}
	return m
}

// CreateJob persists job together with any of its dependencies that have no
// ID yet. The job itself is stored before those dependencies, so among equal
// priorities it is offered to workers first.
func (m *JobManager) CreateJob(ctx context.Context, job *model.Job) error {
	return m.CreateJobs(ctx, job)
}

// CreateJobs persists jobs in the given order in a single store call,
// followed by their unpersisted dependencies in discovery order. Jobs that
// already have an ID are skipped.
func (m *JobManager) CreateJobs(ctx context.Context, jobs ...*model.Job) error {
	batch := newJobBatch(jobs)
	if len(batch) == 0 {
		return nil
	}

	if err := m.store.Create(ctx, batch...); err != nil {
		if len(batch) == 1 {
			return fmt.Errorf("create job %q: %w", batch[0].Command, err)
		}
		return fmt.Errorf("create %d jobs: %w", len(batch), err)
	}

	if m.logger != nil {
		for _, job := range batch {
			m.logger.DebugContext(ctx, "job created",
				"job_id", job.ID,
				"command", job.Command,
				"queue", job.Queue,
				"dependencies", len(job.DependencyIDs()),
			)
		}
	}
	return nil
}

// newJobBatch lists the unpersisted jobs reachable from roots: roots first in
// their given order, then dependencies breadth first.
func newJobBatch(roots []*model.Job) []*model.Job {
	seen := make(map[*model.Job]struct{})
	var batch []*model.Job
	add := func(job *model.Job) {
		if job == nil || job.IsPersisted() {
			return
		}
		if _, ok := seen[job]; ok {
			return
		}
		seen[job] = struct{}{}
		batch = append(batch, job)
	}

	for _, job := range roots {
		add(job)
	}
	for i := 0; i < len(batch); i++ {
		for _, dep := range batch[i].Dependencies() {
			add(dep)
		}
	}
	return batch
}

// GetJob returns the most recent root job with exactly command and args.
// It fails with a NotFound error when there is none.
func (m *JobManager) GetJob(ctx context.Context, command string, args ...string) (*model.Job, error) {
	job, err := m.store.GetByKey(ctx, command, normalizeArgs(args))
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetOrCreateIfNotExists returns the job for (command, args), creating a
// pending one when none exists. Concurrent callers for the same key all end
// up with the same job.
func (m *JobManager) GetOrCreateIfNotExists(
	ctx context.Context,
	command string,
	args ...string,
) (*model.Job, error) {
	job, err := m.GetJob(ctx, command, args...)
	if err == nil {
		return job, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	job = model.NewJob(command, normalizeArgs(args)...)
	err = m.CreateJob(ctx, job)
	switch {
	case err == nil:
		return job, nil
	case apperrors.IsConflict(err):
		// Lost the insert race; the winner's row is the job.
		return m.GetJob(ctx, command, args...)
	default:
		return nil, err
	}
}

// FindJobForRelatedEntity returns the most recent job for command tagged with
// entity. The boolean is false when there is no such job.
func (m *JobManager) FindJobForRelatedEntity(
	ctx context.Context,
	command string,
	entity model.Entity,
) (*model.Job, bool, error) {
	ref := model.RelatedEntity{Type: entity.EntityType(), ID: entity.EntityID()}
	job, err := m.store.FindByRelatedEntity(ctx, command, ref)
	if apperrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find job for related entity: %w", err)
	}
	return job, true, nil
}

// FindPendingJob returns any runnable pending job admitted by filter without
// checking its dependencies. It returns model.ErrNoJobsAvailable when there is none.
func (m *JobManager) FindPendingJob(ctx context.Context, filter model.PendingJobFilter) (*model.Job, error) {
	job, err := m.store.FindPending(ctx, filter)
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("find pending job: %w", err)
	}
	return job, nil
}

// FindStartableJob scans pending jobs in priority then creation order and
// claims the first one whose dependencies have all finished.
//
// Candidates waiting on an unfinished dependency are added to
// req.ExcludedIDs; candidates blocked by a dead dependency are also reported
// in the result's Detached list. A claim lost to another worker moves on to
// the next candidate.
func (m *JobManager) FindStartableJob(ctx context.Context, req StartableRequest) (StartableResult, error) {
	excluded := req.ExcludedIDs
	if excluded == nil {
		excluded = model.NewIDSet()
	}

	var result StartableResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		candidate, err := m.store.FindPending(ctx, model.PendingJobFilter{
			ExcludedIDs:      excluded.Slice(),
			ExcludedQueues:   req.ExcludedQueues,
			RestrictedQueues: req.RestrictedQueues,
		})
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("find startable job: %w", err)
		}

		if dead := candidate.DeadDependency(); dead != nil {
			excluded.Add(candidate.ID)
			result.Detached = append(result.Detached, candidate.ID)
			if m.logger != nil {
				m.logger.DebugContext(ctx, "job blocked by dead dependency",
					"job_id", candidate.ID,
					"dependency_id", dead.ID,
					"dependency_state", dead.State(),
				)
			}
			continue
		}
		if !candidate.IsStartable() {
			excluded.Add(candidate.ID)
			continue
		}

		claimed, err := m.claim(ctx, candidate, req.WorkerName)
		if err != nil {
			return result, err
		}
		if claimed {
			result.Job = candidate
			return result, nil
		}
		excluded.Add(candidate.ID)
	}
}

func (m *JobManager) claim(ctx context.Context, job *model.Job, workerName string) (bool, error) {
	prev := *job
	job.WorkerName = workerName
	if err := job.SetState(model.JobStateRunning); err != nil {
		return false, err
	}

	claimed, err := m.store.Claim(ctx, job)
	if err != nil || !claimed {
		*job = prev
	}
	if err != nil {
		m.emit(metrics.JobMetric{Queue: job.Queue, Transition: "claim", Result: metrics.ResultError, Err: err})
		return false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if !claimed {
		m.emit(metrics.JobMetric{Queue: job.Queue, Transition: "claim", Result: metrics.ResultNoop})
		if m.logger != nil {
			m.logger.DebugContext(ctx, "claim lost to another worker", "job_id", job.ID)
		}
		return false, nil
	}

	m.emit(metrics.JobMetric{
		Queue:      job.Queue,
		Transition: "claim",
		State:      string(model.JobStateRunning),
		Result:     metrics.ResultSuccess,
		Duration:   m.now().Sub(job.CreatedAt),
	})
	if m.logger != nil {
		m.logger.InfoContext(ctx, "job claimed",
			"job_id", job.ID,
			"command", job.Command,
			"queue", job.Queue,
			"worker", workerName,
		)
	}
	return true, nil
}

// Touch records a heartbeat for a running job.
func (m *JobManager) Touch(ctx context.Context, job *model.Job) error {
	job.Touch()
	found, err := m.store.Touch(ctx, job.ID, *job.CheckedAt)
	if err != nil {
		return fmt.Errorf("touch job %s: %w", job.ID, err)
	}
	if !found {
		return apperrors.NotFoundf("job %s not found", job.ID)
	}
	return nil
}

// Stats returns per-state job counts for queue ("" for all queues).
func (m *JobManager) Stats(ctx context.Context, queue string) (model.JobStats, error) {
	stats, err := m.store.Stats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func (m *JobManager) emit(in metrics.JobMetric) {
	metrics.EmitJobLifecycle(m.metrics, in)
}

func normalizeArgs(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}
