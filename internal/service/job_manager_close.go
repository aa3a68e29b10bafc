package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
)

// CloseJob records the outcome of job.
//
// A failed or terminated job whose root still has retry budget spawns a new
// attempt instead of closing the root. Otherwise job (and its root, for a
// retry attempt) reach finalState, and a non-successful outcome cancels every
// pending job that depends on the root, transitively. Closing a job that is
// already closed, in memory or in the store, is a no-op.
//
// job and its root are updated in place. Cascaded dependents are read from the
// store, so callers holding other references must reload them.
func (m *JobManager) CloseJob(ctx context.Context, job *model.Job, finalState model.JobState) error {
	if !finalState.IsFinal() {
		return apperrors.LogicViolation(fmt.Sprintf("%q is not a final job state", finalState))
	}
	return m.closeJob(ctx, job, finalState, make(map[string]struct{}), false)
}

func (m *JobManager) closeJob(
	ctx context.Context,
	job *model.Job,
	finalState model.JobState,
	visited map[string]struct{},
	cascaded bool,
) error {
	if _, ok := visited[job.ID]; ok {
		return nil
	}
	visited[job.ID] = struct{}{}

	if job.State().IsFinal() {
		return nil
	}

	root := job.OriginalJob()
	if finalState.TriggersRetry() && root.IsRetryAllowed() && !root.State().IsFinal() {
		err := m.retry(ctx, job, root, finalState)
		if !errors.Is(err, core.ErrRetryBudgetExhausted) {
			return err
		}
		// Another closer used up the budget first; root's attempt list is stale.
		if m.logger != nil {
			m.logger.InfoContext(ctx, "retry budget exhausted concurrently, finalizing",
				"job_id", job.ID,
				"root_id", root.ID,
			)
		}
	}

	return m.finalize(ctx, job, root, finalState, visited, cascaded)
}

func (m *JobManager) retry(ctx context.Context, job, root *model.Job, finalState model.JobState) error {
	if !model.CanTransition(job.State(), finalState) {
		return apperrors.InvalidStateTransition(string(job.State()), string(finalState))
	}

	params := core.CreateRetryParams{
		Root:  root,
		Retry: m.retryPolicy.NextAttempt(root, m.now()),
	}

	var prev model.Job
	if job != root {
		prev = *job
		if err := job.SetState(finalState); err != nil {
			return err
		}
		params.Attempt = &core.StateChange{Job: job, From: prev.State()}
	} else {
		// Root stays running; persist the output of its first attempt.
		params.Attempt = &core.StateChange{Job: root, From: root.State(), RequireFrom: true}
	}

	if err := m.store.CreateRetry(ctx, params); err != nil {
		if job != root {
			*job = prev
		}
		if errors.Is(err, core.ErrRetryBudgetExhausted) {
			return err
		}
		m.emit(metrics.JobMetric{Queue: root.Queue, Transition: "retry", Result: metrics.ResultError, Err: err})
		return fmt.Errorf("retry job %s: %w", root.ID, err)
	}
	root.AddRetryJob(params.Retry)

	m.emit(metrics.JobMetric{
		Queue:      root.Queue,
		Transition: "retry",
		State:      string(finalState),
		Result:     metrics.ResultSuccess,
	})
	if m.logger != nil {
		m.logger.InfoContext(ctx, "job attempt failed, retry scheduled",
			"job_id", job.ID,
			"root_id", root.ID,
			"retry_id", params.Retry.ID,
			"state", finalState,
			"attempt", len(root.RetryJobs()),
			"max_retries", root.MaxRetries,
		)
	}

	if job != root {
		m.notify(ctx, *params.Attempt)
	}
	return nil
}

func (m *JobManager) finalize(
	ctx context.Context,
	job, root *model.Job,
	finalState model.JobState,
	visited map[string]struct{},
	cascaded bool,
) error {
	prevJob := *job
	if err := job.SetState(finalState); err != nil {
		return err
	}
	changes := []core.StateChange{{Job: job, From: prevJob.State(), RequireFrom: cascaded}}

	if job != root && root.State() != finalState && !root.State().IsFinal() {
		prevRoot := *root
		if err := root.SetState(finalState); err != nil {
			*job = prevJob
			return err
		}
		changes = append(changes, core.StateChange{Job: root, From: prevRoot.State()})
		defer func() {
			if len(changes) == 0 {
				*root = prevRoot
			}
		}()
	}

	if err := m.store.ApplyStateChanges(ctx, changes); err != nil {
		*job = prevJob
		changes = nil
		if apperrors.IsConcurrencyConflict(err) {
			// The stored job already moved on (a dependent left pending, or a
			// stale copy is closed after the watchdog or another process
			// closed the job); the stored outcome stands.
			if m.logger != nil {
				m.logger.DebugContext(ctx, "close skipped job that changed state",
					"job_id", job.ID,
					"state", finalState,
					"cascaded", cascaded,
					"error", err,
				)
			}
			return nil
		}
		m.emit(metrics.JobMetric{Queue: job.Queue, Transition: "close", Result: metrics.ResultError, Err: err})
		return fmt.Errorf("close job %s: %w", job.ID, err)
	}

	transition := "close"
	if cascaded {
		transition = "cascade"
	}
	for _, ch := range changes {
		m.emit(metrics.JobMetric{
			Queue:      ch.Job.Queue,
			Transition: transition,
			State:      string(finalState),
			Result:     metrics.ResultSuccess,
		})
		m.notify(ctx, ch)
	}
	if m.logger != nil {
		m.logger.InfoContext(ctx, "job closed",
			"job_id", job.ID,
			"root_id", root.ID,
			"state", finalState,
			"cascaded", cascaded,
		)
	}

	if finalState == model.JobStateFinished {
		return nil
	}
	return m.cascade(ctx, root, visited)
}

// cascade cancels the pending dependents of root, depth first.
func (m *JobManager) cascade(ctx context.Context, root *model.Job, visited map[string]struct{}) error {
	dependents, err := m.store.FindDependents(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("find dependents of %s: %w", root.ID, err)
	}
	for _, dep := range dependents {
		if dep.State() != model.JobStatePending {
			continue
		}
		if err := m.closeJob(ctx, dep, model.JobStateCanceled, visited, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *JobManager) notify(ctx context.Context, ch core.StateChange) {
	if m.sink == nil {
		return
	}
	event := model.StateChangeEvent{
		Job:        ch.Job,
		OldState:   ch.From,
		NewState:   ch.Job.State(),
		OccurredAt: m.now(),
	}
	if err := m.sink.JobStateChanged(ctx, event); err != nil && m.logger != nil {
		m.logger.WarnContext(ctx, "state change notification failed",
			"job_id", ch.Job.ID,
			"state", event.NewState,
			"error", err,
		)
	}
}
