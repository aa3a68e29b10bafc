package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/core"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

// JobCloser closes jobs with the full retry and cascade rules. *JobManager implements it.
type JobCloser interface {
	CloseJob(ctx context.Context, job *model.Job, finalState model.JobState) error
}

// StatsReader reports per-state job counts. *JobManager implements it.
type StatsReader interface {
	Stats(ctx context.Context, queue string) (model.JobStats, error)
}

// WatchdogServiceOptions groups dependencies for WatchdogService.
type WatchdogServiceOptions struct {
	Repo    core.WatchdogRepository // Required: watchdog queries
	Closer  JobCloser               // Required: usually the JobManager
	Config  config.WatchdogConfig   // Required: watchdog configuration
	Logger  *slog.Logger            // Optional: structured logger
	Metrics statsd.Sink             // Optional: metrics sink (StatsD-compatible)
	Now     func() time.Time        // Optional: clock override for tests
	// Stats enables job.queue_depth gauges after each pass when Metrics is set.
	Stats StatsReader
}

// WatchdogService recovers and cleans up jobs no worker will ever touch again.
//
// Each pass:
// - terminates running jobs whose heartbeat is older than the stall threshold,
// - cancels pending jobs older than the pending max age (when enabled),
// - deletes closed jobs older than their max age.
//
// Terminating and canceling go through the JobCloser so retries are spawned
// and dependents are canceled exactly as if a worker had closed the job.
type WatchdogService struct {
	repo    core.WatchdogRepository
	closer  JobCloser
	config  config.WatchdogConfig
	stall   *domainjob.StallPolicy
	logger  *slog.Logger
	metrics statsd.Sink
	stats   StatsReader
	now     func() time.Time
}

// NewWatchdogService constructs a new WatchdogService.
func NewWatchdogService(opts WatchdogServiceOptions) (*WatchdogService, error) {
	if opts.Repo == nil {
		return nil, errors.New("WatchdogRepository is required")
	}
	if opts.Closer == nil {
		return nil, errors.New("JobCloser is required")
	}
	stall, err := domainjob.NewStallPolicy(opts.Config.StallThreshold)
	if err != nil {
		return nil, fmt.Errorf("watchdog stall policy: %w", err)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "watchdog_service")
		logger.Debug("WatchdogService initialized",
			"interval", opts.Config.Interval,
			"stall_threshold", opts.Config.StallThreshold,
			"pending_max_age", opts.Config.PendingMaxAge,
			"finished_max_age", opts.Config.FinishedMaxAge,
			"failed_max_age", opts.Config.FailedMaxAge,
		)
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &WatchdogService{
		repo:    opts.Repo,
		closer:  opts.Closer,
		config:  opts.Config,
		stall:   stall,
		logger:  logger,
		metrics: opts.Metrics,
		stats:   opts.Stats,
		now:     now,
	}, nil
}

// Run starts the watchdog loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *WatchdogService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting watchdog service", "interval", s.config.Interval)
	}

	// Spread out instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logPassError(err, "initial watchdog pass")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "watchdog service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logPassError(err, "watchdog pass")
			}
		}
	}
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *WatchdogService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

type watchdogStep struct {
	operation string
	fn        func(context.Context) (int64, error)
}

type watchdogStepResult struct {
	operation string
	count     int64
	err       error
}

// RunOnce performs a single watchdog pass. Every step runs even if an
// earlier one fails; the errors are joined.
func (s *WatchdogService) RunOnce(ctx context.Context) error {
	start := time.Now()
	steps := []watchdogStep{
		{"terminate_stalled", s.terminateStalledJobs},
		{"cancel_expired", s.cancelExpiredPendingJobs},
		{"delete_finished", s.deleteClosed(s.config.FinishedMaxAge, model.JobStateFinished, model.JobStateCanceled)},
		{"delete_failed", s.deleteClosed(s.config.FailedMaxAge, model.JobStateFailed, model.JobStateTerminated)},
	}

	var (
		errs        []error
		allCanceled = true
		results     = make([]watchdogStepResult, 0, len(steps))
	)
	for _, step := range steps {
		count, err := step.fn(ctx)
		results = append(results, watchdogStepResult{
			operation: step.operation,
			count:     count,
			err:       suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.operation, err))
			allCanceled = allCanceled && isContextCancellation(err)
		}
	}

	s.emitPassMetrics(results, time.Since(start))
	s.emitQueueDepth(ctx)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allCanceled {
			return context.Canceled
		}
		return fmt.Errorf("watchdog pass failed: %w", joined)
	}
	return nil
}

// terminateStalledJobs closes running jobs silent past the stall threshold
// as terminated. A job that changed state under us is skipped.
func (s *WatchdogService) terminateStalledJobs(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := s.stall.Cutoff(now)
	var total int64
	for {
		jobs, err := s.repo.FindStalledJobs(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		closed, err := s.closeEach(ctx, jobs, model.JobStateTerminated, func(j *model.Job) {
			j.AddErrorOutput(fmt.Sprintf("\nterminated by watchdog: no heartbeat since %s\n",
				domainjob.LastSeen(j).UTC().Format(time.RFC3339)))
		})
		total += closed
		if err != nil || closed == 0 || len(jobs) < s.config.BatchSize {
			return total, err
		}
	}
}

// cancelExpiredPendingJobs cancels pending root jobs nobody picked up in time.
func (s *WatchdogService) cancelExpiredPendingJobs(ctx context.Context) (int64, error) {
	if s.config.PendingMaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.PendingMaxAge)
	var total int64
	for {
		jobs, err := s.repo.FindExpiredPendingJobs(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		closed, err := s.closeEach(ctx, jobs, model.JobStateCanceled, nil)
		total += closed
		if err != nil || closed == 0 || len(jobs) < s.config.BatchSize {
			return total, err
		}
	}
}

func (s *WatchdogService) closeEach(
	ctx context.Context,
	jobs []*model.Job,
	state model.JobState,
	prepare func(*model.Job),
) (int64, error) {
	var closed int64
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if prepare != nil {
			prepare(j)
		}
		err := s.closer.CloseJob(ctx, j, state)
		switch {
		case err == nil:
			closed++
			if s.logger != nil {
				s.logger.InfoContext(ctx, "watchdog closed job",
					"job_id", j.ID,
					"command", j.Command,
					"state", state,
				)
			}
		case apperrors.IsConcurrencyConflict(err), apperrors.IsNotFound(err):
			if s.logger != nil {
				s.logger.DebugContext(ctx, "job changed before watchdog could close it", "job_id", j.ID)
			}
		default:
			return closed, err
		}
	}
	return closed, nil
}

// deleteClosed returns a step deleting jobs of the given final states older than maxAge.
func (s *WatchdogService) deleteClosed(maxAge time.Duration, states ...model.JobState) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		if maxAge <= 0 {
			return 0, nil
		}
		var total int64
		for _, state := range states {
			for {
				count, err := s.repo.DeleteClosedJobs(ctx, core.DeleteClosedJobsParams{
					State:     state,
					MaxAge:    maxAge,
					BatchSize: s.config.BatchSize,
				})
				if err != nil {
					return total, err
				}
				total += count
				if count < int64(s.config.BatchSize) || count == 0 {
					break
				}
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
			}
		}
		if total > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "deleted closed jobs",
				"states", states,
				"count", total,
				"max_age", maxAge,
			)
		}
		return total, nil
	}
}

func (s *WatchdogService) emitPassMetrics(results []watchdogStepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		total += r.count
		if firstErr == nil {
			firstErr = r.err
		}
	}

	tags := map[string]string{"result": resultFor(total, firstErr)}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}
	s.metrics.Count("watchdog.run", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("watchdog.run_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, r := range results {
		opTags := map[string]string{
			"operation": r.operation,
			"result":    resultFor(r.count, r.err),
		}
		if r.err != nil {
			if class := obserrors.Classify(r.err); class != "" {
				opTags["error_class"] = class
			}
		}
		s.metrics.Count("watchdog.operation", 1, opTags)
		if r.err == nil && r.count > 0 {
			s.metrics.Count("watchdog.jobs_processed", r.count, metrics.CloneTags(opTags))
		}
	}

	if firstErr == nil {
		s.metrics.Gauge("watchdog.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func resultFor(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *WatchdogService) logPassError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}

// emitQueueDepth gauges job counts across all queues, tagged queue:all.
func (s *WatchdogService) emitQueueDepth(ctx context.Context) {
	if s.metrics == nil || s.stats == nil || ctx.Err() != nil {
		return
	}
	stats, err := s.stats.Stats(ctx, "")
	if err != nil {
		s.logPassError(err, "queue depth")
		return
	}
	counts := make(map[string]int, len(stats))
	for state, n := range stats {
		counts[string(state)] = n
	}
	metrics.EmitQueueDepth(s.metrics, "all", counts)
}
