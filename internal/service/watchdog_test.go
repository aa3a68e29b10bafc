package service

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/data/memstore"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

func testWatchdogConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		Interval:       time.Minute,
		StallThreshold: 5 * time.Minute,
		FinishedMaxAge: 7 * 24 * time.Hour,
		FailedMaxAge:   30 * 24 * time.Hour,
		BatchSize:      100,
	}
}

type watchdogFixture struct {
	store    *memstore.Store
	manager  *JobManager
	svc      *WatchdogService
	recorder *statsd.Recorder
}

// newWatchdogFixture wires a watchdog whose clock runs ahead of real time by
// watchdogSkew and whose store clock runs ahead by storeSkew.
func newWatchdogFixture(t *testing.T, cfg config.WatchdogConfig, watchdogSkew, storeSkew time.Duration) *watchdogFixture {
	t.Helper()
	store := memstore.New(memstore.Options{Now: func() time.Time { return time.Now().UTC().Add(storeSkew) }})
	manager := MustNewJobManager(JobManagerOptions{Store: store, Logger: slog.Default()})
	recorder := &statsd.Recorder{}
	svc, err := NewWatchdogService(WatchdogServiceOptions{
		Repo:    store,
		Closer:  manager,
		Config:  cfg,
		Logger:  slog.Default(),
		Metrics: recorder,
		Now:     func() time.Time { return time.Now().UTC().Add(watchdogSkew) },
		Stats:   manager,
	})
	require.NoError(t, err)
	return &watchdogFixture{store: store, manager: manager, svc: svc, recorder: recorder}
}

func TestNewWatchdogService(t *testing.T) {
	store := memstore.New()
	manager := MustNewJobManager(JobManagerOptions{Store: store})

	t.Run("creates service with valid options", func(t *testing.T) {
		svc, err := NewWatchdogService(WatchdogServiceOptions{Repo: store, Closer: manager, Config: testWatchdogConfig()})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewWatchdogService(WatchdogServiceOptions{Closer: manager, Config: testWatchdogConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "WatchdogRepository is required")
	})

	t.Run("returns error when closer is nil", func(t *testing.T) {
		_, err := NewWatchdogService(WatchdogServiceOptions{Repo: store, Config: testWatchdogConfig()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JobCloser is required")
	})

	t.Run("returns error without stall threshold", func(t *testing.T) {
		cfg := testWatchdogConfig()
		cfg.StallThreshold = 0
		_, err := NewWatchdogService(WatchdogServiceOptions{Repo: store, Closer: manager, Config: cfg})
		require.Error(t, err)
	})
}

func TestWatchdogService_TerminatesStalledJobs(t *testing.T) {
	f := newWatchdogFixture(t, testWatchdogConfig(), time.Hour, 0)
	ctx := context.Background()

	stalled := testutil.NewJob("import").CreateRunning(t, f.store, "w1")
	dependent := testutil.NewJob("report").DependsOn(stalled).Create(t, f.store)

	require.NoError(t, f.svc.RunOnce(ctx))

	got := testutil.Reload(t, f.store, stalled)
	assert.Equal(t, model.JobStateTerminated, got.State())
	assert.Contains(t, got.ErrorOutput, "terminated by watchdog")
	assert.Equal(t, model.JobStateCanceled, testutil.Reload(t, f.store, dependent).State())

	// A second pass finds nothing left to do.
	require.NoError(t, f.svc.RunOnce(ctx))
	assert.Equal(t, model.JobStateTerminated, testutil.Reload(t, f.store, stalled).State())
}

func TestWatchdogService_StalledJobWithBudgetIsRetried(t *testing.T) {
	f := newWatchdogFixture(t, testWatchdogConfig(), time.Hour, 0)
	ctx := context.Background()

	root := testutil.NewJob("import").WithMaxRetries(1).CreateRunning(t, f.store, "w1")

	require.NoError(t, f.svc.RunOnce(ctx))

	got := testutil.Reload(t, f.store, root)
	assert.Equal(t, model.JobStateRunning, got.State())
	require.Len(t, got.RetryJobs(), 1)
	assert.Equal(t, model.JobStatePending, got.RetryJobs()[0].State())

	// The root waits on its attempt and is no longer considered stalled.
	require.NoError(t, f.svc.RunOnce(ctx))
	assert.Len(t, testutil.Reload(t, f.store, root).RetryJobs(), 1)
}

func TestWatchdogService_LeavesHealthyJobsAlone(t *testing.T) {
	f := newWatchdogFixture(t, testWatchdogConfig(), time.Minute, 0)

	running := testutil.NewJob("import").CreateRunning(t, f.store, "w1")
	pending := testutil.NewJob("mail").Create(t, f.store)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	assert.Equal(t, model.JobStateRunning, testutil.Reload(t, f.store, running).State())
	assert.Equal(t, model.JobStatePending, testutil.Reload(t, f.store, pending).State())
	assert.Contains(t, f.recorder.Lines(), "watchdog.run:1|c|#result:noop")
	assert.Contains(t, f.recorder.Lines(), "job.queue_depth:1|g|#queue:all,state:running")
	assert.Contains(t, f.recorder.Lines(), "job.queue_depth:1|g|#queue:all,state:pending")
}

func TestWatchdogService_CancelsExpiredPendingJobs(t *testing.T) {
	cfg := testWatchdogConfig()
	cfg.PendingMaxAge = time.Hour
	f := newWatchdogFixture(t, cfg, 2*time.Hour, 0)

	expired := testutil.NewJob("mail").Create(t, f.store)

	require.NoError(t, f.svc.RunOnce(context.Background()))

	got := testutil.Reload(t, f.store, expired)
	assert.Equal(t, model.JobStateCanceled, got.State())
	assert.Contains(t, f.recorder.Lines(), "watchdog.jobs_processed:1|c|#operation:cancel_expired,result:success")
}

func TestWatchdogService_PendingExpiryDisabled(t *testing.T) {
	f := newWatchdogFixture(t, testWatchdogConfig(), 48*time.Hour, 0)

	pending := testutil.NewJob("mail").Create(t, f.store)

	require.NoError(t, f.svc.RunOnce(context.Background()))
	assert.Equal(t, model.JobStatePending, testutil.Reload(t, f.store, pending).State())
}

func TestWatchdogService_DeletesClosedJobsByAge(t *testing.T) {
	f := newWatchdogFixture(t, testWatchdogConfig(), 0, 8*24*time.Hour)
	ctx := context.Background()

	finished := testutil.NewJob("a").CreateRunning(t, f.store, "w1")
	require.NoError(t, f.manager.CloseJob(ctx, finished, model.JobStateFinished))
	failed := testutil.NewJob("b").CreateRunning(t, f.store, "w1")
	require.NoError(t, f.manager.CloseJob(ctx, failed, model.JobStateFailed))

	require.NoError(t, f.svc.RunOnce(ctx))

	_, err := f.store.GetByID(ctx, finished.ID)
	assert.True(t, apperrors.IsNotFound(err), "finished job older than its max age should be deleted")
	assert.Equal(t, model.JobStateFailed, testutil.Reload(t, f.store, failed).State())

	var sawDelete bool
	for _, line := range f.recorder.Lines() {
		if strings.HasPrefix(line, "watchdog.jobs_processed:1|c|#operation:delete_finished") {
			sawDelete = true
		}
	}
	assert.True(t, sawDelete, "expected delete metric in %v", f.recorder.Lines())
}

type conflictingCloser struct{ calls int }

func (c *conflictingCloser) CloseJob(context.Context, *model.Job, model.JobState) error {
	c.calls++
	return apperrors.ConcurrencyConflict("job moved")
}

func TestWatchdogService_SkipsJobsThatChangedState(t *testing.T) {
	store := memstore.New()
	testutil.NewJob("import").CreateRunning(t, store, "w1")
	closer := &conflictingCloser{}
	svc, err := NewWatchdogService(WatchdogServiceOptions{
		Repo:   store,
		Closer: closer,
		Config: testWatchdogConfig(),
		Now:    func() time.Time { return time.Now().UTC().Add(time.Hour) },
	})
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, 1, closer.calls)
}

func TestWatchdogService_Run(t *testing.T) {
	t.Run("stops gracefully on context cancellation", func(t *testing.T) {
		f := newWatchdogFixture(t, testWatchdogConfig(), 0, 0)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.svc.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watchdog did not stop")
		}
	})

	t.Run("returns deadline error", func(t *testing.T) {
		f := newWatchdogFixture(t, testWatchdogConfig(), 0, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := f.svc.Run(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
