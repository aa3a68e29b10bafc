// Package worker runs claimed jobs as child processes and reports their
// outcome back to the job manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
)

// closeTimeout bounds recording a job outcome once the worker is shutting down.
const closeTimeout = 10 * time.Second

// JobManager is the part of *service.JobManager the worker uses.
type JobManager interface {
	FindStartableJob(ctx context.Context, req service.StartableRequest) (service.StartableResult, error)
	CloseJob(ctx context.Context, job *model.Job, finalState model.JobState) error
	Touch(ctx context.Context, job *model.Job) error
}

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Manager JobManager           // Required
	Config  config.WorkerConfig  // Required: concurrency, queues, limits
	Logger  *slog.Logger         // Optional
	Metrics statsd.Sink          // Optional
	// Notifier wakes idle workers; without one they only poll.
	Notifier domainjob.Notifier
	// Detached remembers jobs blocked forever; defaults to a process-local cache.
	Detached core.DetachedCache
	// Executor runs job payloads; defaults to ExecExecutor with Config.CommandPrefix.
	Executor Executor
	// HeartbeatInterval is how often running jobs are touched (default 10s).
	HeartbeatInterval time.Duration
}

// Runner polls for startable jobs and runs up to Config.Concurrency at once.
type Runner struct {
	manager   JobManager
	cfg       config.WorkerConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	notifier  domainjob.Notifier
	detached  core.DetachedCache
	executor  Executor
	heartbeat time.Duration
	name      string
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Manager == nil {
		return nil, errors.New("job manager is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	detached := opts.Detached
	if detached == nil {
		detached = data.NewLocalDetachedCache(data.LocalDetachedCacheOptions{
			TTL:     cfg.DetachedCacheTTL,
			MaxSize: cfg.DetachedCacheSize,
		})
	}
	executor := opts.Executor
	if executor == nil {
		executor = ExecExecutor{Prefix: cfg.CommandPrefix}
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = DefaultWorkerName()
	}

	return &Runner{
		manager:   opts.Manager,
		cfg:       cfg,
		logger:    logger.With("component", "worker", "worker_name", name),
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		detached:  detached,
		executor:  executor,
		heartbeat: heartbeat,
		name:      name,
	}, nil
}

// DefaultWorkerName returns hostname-pid.
func DefaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Name returns the name recorded on claimed jobs.
func (r *Runner) Name() string { return r.name }

// Run starts the worker goroutines and blocks until ctx is cancelled and
// every running job has been closed.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker",
		"concurrency", r.cfg.Concurrency,
		"queues", r.cfg.Queues,
		"excluded_queues", r.cfg.ExcludedQueues,
	)

	group, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Concurrency {
		group.Go(func() error { return r.loop(gctx, i) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, slot int) error {
	var wake <-chan struct{}
	if r.notifier != nil {
		queue := domainjob.AnyQueue
		if len(r.cfg.Queues) == 1 {
			queue = r.cfg.Queues[0]
		}
		unsub, ch := r.notifier.Subscribe(queue)
		defer unsub()
		wake = ch
	}

	for ctx.Err() == nil {
		ran, err := r.RunNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "worker poll failed", "slot", slot, "error", err)
		}
		if ran && err == nil {
			continue
		}
		if !r.idle(ctx, &wake) {
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// idle waits for a wake-up or the poll interval. A closed wake channel
// falls back to polling.
func (r *Runner) idle(ctx context.Context, wake *<-chan struct{}) bool {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-*wake:
		if !ok {
			*wake = nil
		}
	case <-timer.C:
	}
	return true
}

// RunNext claims and runs at most one job. It reports whether a job ran.
func (r *Runner) RunNext(ctx context.Context) (bool, error) {
	excluded := model.NewIDSet()
	if ids, err := r.detached.IDs(ctx); err != nil {
		r.logger.WarnContext(ctx, "read detached jobs failed", "error", err)
	} else {
		for _, id := range ids {
			excluded.Add(id)
		}
	}

	res, err := r.manager.FindStartableJob(ctx, service.StartableRequest{
		WorkerName:       r.name,
		ExcludedIDs:      excluded,
		ExcludedQueues:   r.cfg.ExcludedQueues,
		RestrictedQueues: r.cfg.Queues,
	})
	if len(res.Detached) > 0 {
		if derr := r.detached.Add(ctx, res.Detached...); derr != nil {
			r.logger.WarnContext(ctx, "record detached jobs failed", "error", derr)
		}
		r.logger.InfoContext(ctx, "detached jobs blocked by dead dependencies", "job_ids", res.Detached)
	}
	if err != nil {
		return false, fmt.Errorf("find startable job: %w", err)
	}
	if res.Job == nil {
		return false, nil
	}

	return true, r.execute(ctx, res.Job)
}

// execute runs job and closes it with the matching final state. Shutdown
// gives the job ShutdownGrace to finish before it is killed.
func (r *Runner) execute(ctx context.Context, job *model.Job) error {
	start := time.Now()
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	if r.cfg.MaxRuntime > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, r.cfg.MaxRuntime)
		defer cancelTimeout()
	}

	var shutdown bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		shutdown = r.killAfterGrace(ctx, runCtx, cancelRun)
	}()
	go func() {
		defer wg.Done()
		r.heartbeatLoop(runCtx, job)
	}()

	stdout := newTailBuffer(r.cfg.MaxOutputBytes)
	stderr := newTailBuffer(r.cfg.MaxOutputBytes)
	r.logger.InfoContext(ctx, "running job", "job_id", job.ID, "command", job.Command, "args", job.Args)
	exitCode, runErr := r.executor.Execute(runCtx, job, stdout, stderr)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancelRun()
	wg.Wait()

	job.SetOutput(stdout.String())
	job.SetErrorOutput(stderr.String())
	job.ExitCode = exitCode

	state := model.JobStateFinished
	switch {
	case timedOut:
		state = model.JobStateTerminated
		job.AddErrorOutput(fmt.Sprintf("\nkilled after exceeding max runtime of %s\n", r.cfg.MaxRuntime))
	case shutdown:
		state = model.JobStateTerminated
		job.AddErrorOutput("\nkilled during worker shutdown\n")
	case exitCode == nil:
		state = model.JobStateFailed
		if runErr != nil {
			job.AddErrorOutput(fmt.Sprintf("\n%v\n", runErr))
		}
	case *exitCode != 0:
		state = model.JobStateFailed
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	err := r.manager.CloseJob(closeCtx, job, state)

	result := metrics.ResultSuccess
	if state != model.JobStateFinished {
		result = metrics.ResultError
	}
	if r.metrics != nil {
		tags := map[string]string{"queue": job.Queue, "state": string(state), "result": result}
		r.metrics.Count("worker.job", 1, tags)
		r.metrics.Timing("worker.job_duration", time.Since(start), metrics.CloneTags(tags))
	}
	r.logger.InfoContext(ctx, "job finished running",
		"job_id", job.ID,
		"state", state,
		"exit_code", exitCode,
		"duration", time.Since(start),
	)
	if err != nil {
		return fmt.Errorf("close job %s: %w", job.ID, err)
	}
	return nil
}

// killAfterGrace cancels the run ShutdownGrace after ctx ends. It reports
// whether it did.
func (r *Runner) killAfterGrace(ctx, runCtx context.Context, cancelRun context.CancelFunc) bool {
	select {
	case <-runCtx.Done():
		return false
	case <-ctx.Done():
	}
	timer := time.NewTimer(r.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-runCtx.Done():
		return false
	case <-timer.C:
		cancelRun()
		return true
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, job *model.Job) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.manager.Touch(ctx, job); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}
