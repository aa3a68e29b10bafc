// Package storetest holds the behaviour every job store must share, run
// against each implementation from its own package tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

// Store is a job store that also serves the watchdog.
type Store interface {
	core.JobStore
	core.WatchdogRepository
}

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) Store

// Run exercises newStore against the shared store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateRequiresPersistedDependencies", testCreateRequiresPersistedDependencies},
		{"CreateBatchKeepsOrder", testCreateBatchKeepsOrder},
		{"CreateBatchIsAtomic", testCreateBatchIsAtomic},
		{"ActiveKeyIsUnique", testActiveKeyIsUnique},
		{"FindByRelatedEntity", testFindByRelatedEntity},
		{"FindPendingOrder", testFindPendingOrder},
		{"FindPendingFilters", testFindPendingFilters},
		{"Dependencies", testDependencies},
		{"Claim", testClaim},
		{"ApplyStateChanges", testApplyStateChanges},
		{"ApplyStateChangesIsAtomic", testApplyStateChangesIsAtomic},
		{"CreateRetry", testCreateRetry},
		{"Touch", testTouch},
		{"StatsAndList", testStatsAndList},
		{"FindStalledJobs", testFindStalledJobs},
		{"FindExpiredPendingJobs", testFindExpiredPendingJobs},
		{"DeleteClosedJobs", testDeleteClosedJobs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// closeJob moves a running job to state with the given close time.
func closeJob(t *testing.T, s Store, job *model.Job, state model.JobState, closedAt time.Time) {
	t.Helper()
	from := job.State()
	require.NoError(t, job.SetState(state))
	job.ClosedAt = &closedAt
	require.NoError(t, s.ApplyStateChanges(context.Background(), []core.StateChange{
		{Job: job, From: from, RequireFrom: true},
	}))
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	job := testutil.NewJob("mail:send", "--to", "ops@example.com").
		WithPriority(model.PriorityHigh).
		WithMaxRetries(2).
		TaggedWith("user", "42").
		Create(t, s)

	require.True(t, job.IsPersisted())
	assert.Equal(t, model.DefaultQueue, job.Queue)

	got, err := s.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "mail:send", got.Command)
	assert.Equal(t, []string{"--to", "ops@example.com"}, got.Args)
	assert.Equal(t, model.JobStatePending, got.State())
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Equal(t, 2, got.MaxRetries)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Equal(t, []model.RelatedEntity{{Type: "user", ID: "42"}}, got.RelatedEntities())
	assert.False(t, got.IsRetryJob())

	_, err = s.GetByID(ctx, uuid.NewString())
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	err = s.Create(ctx, job)
	assert.True(t, apperrors.IsLogicViolation(err), "got %v", err)
}

func testCreateRequiresPersistedDependencies(t *testing.T, s Store) {
	job := model.NewJob("report:build")
	require.NoError(t, job.AddDependency(model.NewJob("report:fetch")))

	err := s.Create(context.Background(), job)
	assert.True(t, apperrors.IsForeignKey(err), "got %v", err)
	assert.False(t, job.IsPersisted())
}

func testCreateBatchKeepsOrder(t *testing.T, s Store) {
	ctx := context.Background()
	build := model.NewJob("report:build")
	fetch := model.NewJob("report:fetch")
	require.NoError(t, build.AddDependency(fetch))

	require.NoError(t, s.Create(ctx, build, fetch))
	require.True(t, build.IsPersisted())
	require.True(t, fetch.IsPersisted())

	first, err := s.FindPending(ctx, model.PendingJobFilter{})
	require.NoError(t, err)
	assert.Equal(t, build.ID, first.ID)

	deps := first.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, fetch.ID, deps[0].ID)

	dependents, err := s.FindDependents(ctx, fetch.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, build.ID, dependents[0].ID)
}

func testCreateBatchIsAtomic(t *testing.T, s Store) {
	ctx := context.Background()
	testutil.NewJob("cache:warm", "eu").Create(t, s)

	fresh := model.NewJob("cache:warm", "us")
	dup := model.NewJob("cache:warm", "eu")
	err := s.Create(ctx, fresh, dup)
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
	assert.False(t, fresh.IsPersisted())
	assert.False(t, dup.IsPersisted())

	_, err = s.GetByKey(ctx, "cache:warm", []string{"us"})
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	twice := model.NewJob("cache:warm", "ap")
	err = s.Create(ctx, twice, model.NewJob("cache:warm", "ap"))
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
	assert.False(t, twice.IsPersisted())
}

func testActiveKeyIsUnique(t *testing.T, s Store) {
	ctx := context.Background()
	first := testutil.NewJob("cache:warm", "eu").CreateRunning(t, s, "w1")

	err := s.Create(ctx, model.NewJob("cache:warm", "eu"))
	assert.True(t, apperrors.IsConflict(err), "got %v", err)

	// Other arguments are another key.
	testutil.NewJob("cache:warm", "us").Create(t, s)

	closeJob(t, s, first, model.JobStateFinished, time.Now().UTC())
	second := testutil.NewJob("cache:warm", "eu").Create(t, s)

	got, err := s.GetByKey(ctx, "cache:warm", []string{"eu"})
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.GetByKey(ctx, "cache:warm", []string{"ap"})
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func testFindByRelatedEntity(t *testing.T, s Store) {
	ctx := context.Background()
	older := testutil.NewJob("invoice:render", "1").TaggedWith("invoice", "7").Create(t, s)
	newer := testutil.NewJob("invoice:render", "2").TaggedWith("invoice", "7").Create(t, s)
	testutil.NewJob("invoice:mail").TaggedWith("invoice", "7").Create(t, s)

	got, err := s.FindByRelatedEntity(ctx, "invoice:render", model.RelatedEntity{Type: "invoice", ID: "7"})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.NotEqual(t, older.ID, got.ID)

	_, err = s.FindByRelatedEntity(ctx, "invoice:render", model.RelatedEntity{Type: "invoice", ID: "8"})
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func testFindPendingOrder(t *testing.T, s Store) {
	ctx := context.Background()
	low := testutil.NewJob("a").WithPriority(model.PriorityLow).Create(t, s)
	first := testutil.NewJob("b").Create(t, s)
	second := testutil.NewJob("c").Create(t, s)
	high := testutil.NewJob("d").WithPriority(model.PriorityHigh).Create(t, s)
	testutil.NewJob("later").WithPriority(10).WithExecuteAfter(time.Now().Add(time.Hour)).Create(t, s)

	var order []string
	excluded := model.NewIDSet()
	for {
		job, err := s.FindPending(ctx, model.PendingJobFilter{ExcludedIDs: excluded.Slice()})
		if err != nil {
			require.ErrorIs(t, err, model.ErrNoJobsAvailable)
			break
		}
		order = append(order, job.ID)
		excluded.Add(job.ID)
	}
	assert.Equal(t, []string{high.ID, first.ID, second.ID, low.ID}, order)
}

func testFindPendingFilters(t *testing.T, s Store) {
	ctx := context.Background()
	mail := testutil.NewJob("mail").WithQueue("mail").Create(t, s)
	report := testutil.NewJob("report").WithQueue("reports").Create(t, s)

	got, err := s.FindPending(ctx, model.PendingJobFilter{RestrictedQueues: []string{"reports"}})
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)

	got, err = s.FindPending(ctx, model.PendingJobFilter{ExcludedQueues: []string{"reports"}})
	require.NoError(t, err)
	assert.Equal(t, mail.ID, got.ID)

	_, err = s.FindPending(ctx, model.PendingJobFilter{
		ExcludedQueues:   []string{"mail"},
		RestrictedQueues: []string{"mail"},
	})
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
}

func testDependencies(t *testing.T, s Store) {
	ctx := context.Background()
	fetch := testutil.NewJob("fetch").Create(t, s)
	parse := testutil.NewJob("parse").Create(t, s)
	build := testutil.NewJob("build").DependsOn(fetch, parse).Create(t, s)

	got := testutil.Reload(t, s, build)
	deps := got.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, fetch.ID, deps[0].ID)
	assert.Equal(t, parse.ID, deps[1].ID)
	assert.Equal(t, model.JobStatePending, deps[0].State())
	assert.False(t, got.IsStartable())

	dependents, err := s.FindDependents(ctx, fetch.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, build.ID, dependents[0].ID)

	dependents, err = s.FindDependents(ctx, build.ID)
	require.NoError(t, err)
	assert.Empty(t, dependents)
}

func testClaim(t *testing.T, s Store) {
	ctx := context.Background()
	job := testutil.NewJob("claim").Create(t, s)

	require.NoError(t, job.SetState(model.JobStateRunning))
	job.WorkerName = "w1"
	ok, err := s.Claim(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	job.WorkerName = "w2"
	ok, err = s.Claim(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	got := testutil.Reload(t, s, job)
	assert.Equal(t, model.JobStateRunning, got.State())
	assert.Equal(t, "w1", got.WorkerName)
	require.NotNil(t, got.StartedAt)

	_, err = s.Claim(ctx, &model.Job{ID: uuid.NewString()})
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func testApplyStateChanges(t *testing.T, s Store) {
	ctx := context.Background()
	job := testutil.NewJob("apply").CreateRunning(t, s, "w1")

	require.NoError(t, job.SetState(model.JobStateFailed))
	code := 3
	job.ExitCode = &code
	job.AddOutput("partial")
	job.AddErrorOutput("boom")
	require.NoError(t, s.ApplyStateChanges(ctx, []core.StateChange{
		{Job: job, From: model.JobStateRunning, RequireFrom: true},
	}))

	got := testutil.Reload(t, s, job)
	assert.Equal(t, model.JobStateFailed, got.State())
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Equal(t, "partial", got.Output)
	assert.Equal(t, "boom", got.ErrorOutput)
	require.NotNil(t, got.ClosedAt)

	err := s.ApplyStateChanges(ctx, []core.StateChange{{Job: job}})
	assert.True(t, apperrors.IsConcurrencyConflict(err), "got %v", err)

	err = s.ApplyStateChanges(ctx, []core.StateChange{{Job: &model.Job{ID: uuid.NewString()}}})
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func testApplyStateChangesIsAtomic(t *testing.T, s Store) {
	ctx := context.Background()
	running := testutil.NewJob("running").CreateRunning(t, s, "w1")
	pending := testutil.NewJob("pending").Create(t, s)

	require.NoError(t, running.SetState(model.JobStateFinished))
	require.NoError(t, pending.SetState(model.JobStateCanceled))
	err := s.ApplyStateChanges(ctx, []core.StateChange{
		{Job: running, From: model.JobStateRunning, RequireFrom: true},
		{Job: pending, From: model.JobStateRunning, RequireFrom: true},
	})
	assert.True(t, apperrors.IsConcurrencyConflict(err), "got %v", err)

	assert.Equal(t, model.JobStateRunning, testutil.Reload(t, s, running).State())
	assert.Equal(t, model.JobStatePending, testutil.Reload(t, s, pending).State())
}

func testCreateRetry(t *testing.T, s Store) {
	ctx := context.Background()
	root := testutil.NewJob("flaky", "x").WithMaxRetries(1).CreateRunning(t, s, "w1")

	retry := model.NewJob(root.Command, root.Args...)
	require.NoError(t, s.CreateRetry(ctx, core.CreateRetryParams{Root: root, Retry: retry}))
	require.True(t, retry.IsPersisted())

	gotRoot := testutil.Reload(t, s, root)
	require.Len(t, gotRoot.RetryJobs(), 1)
	assert.Equal(t, retry.ID, gotRoot.RetryJobs()[0].ID)
	assert.False(t, gotRoot.IsRetryAllowed())

	gotRetry := testutil.Reload(t, s, retry)
	assert.True(t, gotRetry.IsRetryJob())
	assert.Equal(t, root.ID, gotRetry.OriginalJob().ID)
	assert.Equal(t, model.JobStateRunning, gotRetry.OriginalJob().State())

	// Retry attempts are not root jobs for key lookups.
	got, err := s.GetByKey(ctx, "flaky", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)

	err = s.CreateRetry(ctx, core.CreateRetryParams{Root: root, Retry: model.NewJob(root.Command, root.Args...)})
	assert.ErrorIs(t, err, core.ErrRetryBudgetExhausted)
}

func testTouch(t *testing.T, s Store) {
	ctx := context.Background()
	job := testutil.NewJob("touch").CreateRunning(t, s, "w1")
	at := time.Now().UTC().Add(time.Minute)

	ok, err := s.Touch(ctx, job.ID, at)
	require.NoError(t, err)
	assert.True(t, ok)
	got := testutil.Reload(t, s, job)
	require.NotNil(t, got.CheckedAt)
	assert.WithinDuration(t, at, *got.CheckedAt, time.Millisecond)

	ok, err = s.Touch(ctx, uuid.NewString(), at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testStatsAndList(t *testing.T, s Store) {
	ctx := context.Background()
	a := testutil.NewJob("a").Create(t, s)
	b := testutil.NewJob("b").CreateRunning(t, s, "w1")
	c := testutil.NewJob("c").WithQueue("other").Create(t, s)

	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.JobStatePending])
	assert.Equal(t, 1, stats[model.JobStateRunning])
	assert.Equal(t, 0, stats[model.JobStateFailed])
	assert.Len(t, stats, len(model.AllJobStates))

	stats, err = s.Stats(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.JobStatePending])
	assert.Equal(t, 0, stats[model.JobStateRunning])

	jobs, err := s.List(ctx, model.JobListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	pending := model.JobStatePending
	jobs, err = s.List(ctx, model.JobListOptions{State: &pending, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)
}

func testFindStalledJobs(t *testing.T, s Store) {
	ctx := context.Background()
	silent := testutil.NewJob("silent").CreateRunning(t, s, "w1")
	waiting := testutil.NewJob("waiting").WithMaxRetries(1).CreateRunning(t, s, "w1")
	require.NoError(t, s.CreateRetry(ctx, core.CreateRetryParams{Root: waiting, Retry: model.NewJob("waiting")}))
	testutil.NewJob("pending").Create(t, s)

	jobs, err := s.FindStalledJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, silent.ID, jobs[0].ID)

	_, err = s.Touch(ctx, silent.ID, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	jobs, err = s.FindStalledJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testFindExpiredPendingJobs(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := testutil.NewJob("old").WithCreatedAt(now.Add(-2 * time.Hour)).Create(t, s)
	testutil.NewJob("older").WithCreatedAt(now.Add(-3 * time.Hour)).CreateRunning(t, s, "w1")
	testutil.NewJob("fresh").Create(t, s)

	root := testutil.NewJob("flaky").WithMaxRetries(1).WithCreatedAt(now.Add(-5*time.Hour)).CreateRunning(t, s, "w1")
	retry := model.NewJob("flaky")
	retry.CreatedAt = now.Add(-4 * time.Hour)
	require.NoError(t, s.CreateRetry(ctx, core.CreateRetryParams{Root: root, Retry: retry}))

	jobs, err := s.FindExpiredPendingJobs(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, old.ID, jobs[0].ID)
}

func testDeleteClosedJobs(t *testing.T, s Store) {
	ctx := context.Background()
	longAgo := time.Now().UTC().Add(-2 * time.Hour)

	protected := testutil.NewJob("protected").WithMaxRetries(1).CreateRunning(t, s, "w1")
	retry := model.NewJob("protected")
	require.NoError(t, s.CreateRetry(ctx, core.CreateRetryParams{Root: protected, Retry: retry}))
	closeJob(t, s, protected, model.JobStateFinished, longAgo)
	dependent := testutil.NewJob("dependent").DependsOn(protected).Create(t, s)

	stale := testutil.NewJob("stale").CreateRunning(t, s, "w1")
	closeJob(t, s, stale, model.JobStateFinished, longAgo)

	recent := testutil.NewJob("recent").CreateRunning(t, s, "w1")
	closeJob(t, s, recent, model.JobStateFinished, time.Now().UTC())

	failed := testutil.NewJob("failed").CreateRunning(t, s, "w1")
	closeJob(t, s, failed, model.JobStateFailed, longAgo)

	params := core.DeleteClosedJobsParams{State: model.JobStateFinished, MaxAge: time.Hour, BatchSize: 10}
	n, err := s.DeleteClosedJobs(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetByID(ctx, stale.ID)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	testutil.Reload(t, s, recent)
	testutil.Reload(t, s, failed)

	// Closing the dependent releases its dependency together with the retry chain.
	closeJob(t, s, dependent, model.JobStateCanceled, time.Now().UTC())
	n, err = s.DeleteClosedJobs(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetByID(ctx, retry.ID)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	_, err = s.DeleteClosedJobs(ctx, core.DeleteClosedJobsParams{State: model.JobStateRunning, MaxAge: time.Hour})
	assert.True(t, apperrors.IsValidation(err), "got %v", err)
}
