package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/data/memstore"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

type executorFunc func(ctx context.Context, job *model.Job, stdout, stderr io.Writer) (*int, error)

func (f executorFunc) Execute(ctx context.Context, job *model.Job, stdout, stderr io.Writer) (*int, error) {
	return f(ctx, job, stdout, stderr)
}

func exitWith(code int, stdout, stderr string) executorFunc {
	return func(_ context.Context, _ *model.Job, out, errOut io.Writer) (*int, error) {
		_, _ = io.WriteString(out, stdout)
		_, _ = io.WriteString(errOut, stderr)
		var err error
		if code != 0 {
			err = fmt.Errorf("exit status %d", code)
		}
		return &code, err
	}
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Name:           "test-worker",
		Concurrency:    1,
		PollInterval:   10 * time.Millisecond,
		ShutdownGrace:  50 * time.Millisecond,
		MaxOutputBytes: 1024,
	}
}

type runnerFixture struct {
	store    *memstore.Store
	manager  *service.JobManager
	recorder *statsd.Recorder
	detached *data.LocalDetachedCache
}

func newRunnerFixture() *runnerFixture {
	store := memstore.New()
	return &runnerFixture{
		store:    store,
		manager:  service.MustNewJobManager(service.JobManagerOptions{Store: store}),
		recorder: &statsd.Recorder{},
		detached: data.NewLocalDetachedCache(data.LocalDetachedCacheOptions{}),
	}
}

func (f *runnerFixture) runner(t *testing.T, cfg config.WorkerConfig, exec Executor) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerOptions{
		Manager:           f.manager,
		Config:            cfg,
		Logger:            slog.Default(),
		Metrics:           f.recorder,
		Detached:          f.detached,
		Executor:          exec,
		HeartbeatInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Manager: newRunnerFixture().manager})
	require.NoError(t, err)
	assert.NotEmpty(t, r.Name())
}

func TestRunner_RunNext(t *testing.T) {
	ctx := context.Background()

	t.Run("no job", func(t *testing.T) {
		f := newRunnerFixture()
		ran, err := f.runner(t, testWorkerConfig(), exitWith(0, "", "")).RunNext(ctx)
		require.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("exit zero finishes job", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("report:build", "--day=1").Create(t, f.store)

		ran, err := f.runner(t, testWorkerConfig(), exitWith(0, "done\n", "")).RunNext(ctx)
		require.NoError(t, err)
		assert.True(t, ran)

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateFinished, got.State())
		assert.Equal(t, "test-worker", got.WorkerName)
		assert.Equal(t, "done\n", got.Output)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 0, *got.ExitCode)
		assert.Contains(t, f.recorder.Lines(), "worker.job:1|c|#queue:default,result:success,state:finished")
	})

	t.Run("non-zero exit fails job", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("report:build").Create(t, f.store)

		_, err := f.runner(t, testWorkerConfig(), exitWith(3, "", "boom")).RunNext(ctx)
		require.NoError(t, err)

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateFailed, got.State())
		assert.Equal(t, "boom", got.ErrorOutput)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 3, *got.ExitCode)
	})

	t.Run("failure with retry budget spawns retry", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("report:build").WithMaxRetries(1).Create(t, f.store)

		_, err := f.runner(t, testWorkerConfig(), exitWith(1, "", "first attempt")).RunNext(ctx)
		require.NoError(t, err)

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateRunning, got.State())
		assert.Equal(t, "first attempt", got.ErrorOutput)
		require.Len(t, got.RetryJobs(), 1)
		assert.Equal(t, model.JobStatePending, got.RetryJobs()[0].State())
	})

	t.Run("start failure fails job", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("missing").Create(t, f.store)
		exec := executorFunc(func(context.Context, *model.Job, io.Writer, io.Writer) (*int, error) {
			return nil, errors.New("executable file not found")
		})

		_, err := f.runner(t, testWorkerConfig(), exec).RunNext(ctx)
		require.NoError(t, err)

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateFailed, got.State())
		assert.Nil(t, got.ExitCode)
		assert.Contains(t, got.ErrorOutput, "executable file not found")
	})

	t.Run("max runtime terminates job", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("slow").Create(t, f.store)
		cfg := testWorkerConfig()
		cfg.MaxRuntime = 20 * time.Millisecond
		exec := executorFunc(func(ctx context.Context, _ *model.Job, _, _ io.Writer) (*int, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		_, err := f.runner(t, cfg, exec).RunNext(ctx)
		require.NoError(t, err)

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateTerminated, got.State())
		assert.Contains(t, got.ErrorOutput, "max runtime")
	})

	t.Run("heartbeat touches running job", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("slow").Create(t, f.store)
		exec := executorFunc(func(ctx context.Context, j *model.Job, _, _ io.Writer) (*int, error) {
			require.Eventually(t, func() bool {
				return testutil.Reload(t, f.store, j).CheckedAt != nil
			}, time.Second, 5*time.Millisecond)
			code := 0
			return &code, nil
		})

		_, err := f.runner(t, testWorkerConfig(), exec).RunNext(ctx)
		require.NoError(t, err)
		assert.NotNil(t, testutil.Reload(t, f.store, job).CheckedAt)
	})

	t.Run("records detached jobs and skips them next poll", func(t *testing.T) {
		f := newRunnerFixture()
		dep := testutil.NewJob("dep").Create(t, f.store)
		require.NoError(t, f.manager.CloseJob(ctx, dep, model.JobStateCanceled))
		blocked := testutil.NewJob("blocked").DependsOn(dep).Create(t, f.store)

		r := f.runner(t, testWorkerConfig(), exitWith(0, "", ""))
		ran, err := r.RunNext(ctx)
		require.NoError(t, err)
		assert.False(t, ran)

		ids, err := f.detached.IDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{blocked.ID}, ids)

		ran, err = r.RunNext(ctx)
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, model.JobStatePending, testutil.Reload(t, f.store, blocked).State())
	})
}

func TestRunner_Run(t *testing.T) {
	t.Run("drains jobs until cancelled", func(t *testing.T) {
		f := newRunnerFixture()
		for i := range 5 {
			testutil.NewJob("batch", fmt.Sprint(i)).Create(t, f.store)
		}
		var runs atomic.Int32
		exec := executorFunc(func(context.Context, *model.Job, io.Writer, io.Writer) (*int, error) {
			runs.Add(1)
			code := 0
			return &code, nil
		})
		cfg := testWorkerConfig()
		cfg.Concurrency = 3

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.runner(t, cfg, exec).Run(ctx) }()

		require.Eventually(t, func() bool { return runs.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
		}

		stats, err := f.manager.Stats(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, 5, stats[model.JobStateFinished])
	})

	t.Run("shutdown terminates job after grace period", func(t *testing.T) {
		f := newRunnerFixture()
		job := testutil.NewJob("forever").Create(t, f.store)
		started := make(chan struct{})
		exec := executorFunc(func(ctx context.Context, _ *model.Job, _, _ io.Writer) (*int, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.runner(t, testWorkerConfig(), exec).Run(ctx) }()

		<-started
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
		}

		got := testutil.Reload(t, f.store, job)
		assert.Equal(t, model.JobStateTerminated, got.State())
		assert.Contains(t, got.ErrorOutput, "shutdown")
	})
}

func TestExecExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("captures output and exit code", func(t *testing.T) {
		var out, errOut strings.Builder
		job := model.NewJob("-c", "echo hello; echo oops >&2; exit 3")
		code, err := ExecExecutor{Prefix: []string{"sh"}}.Execute(ctx, job, &out, &errOut)
		require.Error(t, err)
		require.NotNil(t, code)
		assert.Equal(t, 3, *code)
		assert.Equal(t, "hello\n", out.String())
		assert.Equal(t, "oops\n", errOut.String())
	})

	t.Run("success", func(t *testing.T) {
		code, err := ExecExecutor{}.Execute(ctx, model.NewJob("true"), io.Discard, io.Discard)
		require.NoError(t, err)
		require.NotNil(t, code)
		assert.Equal(t, 0, *code)
	})

	t.Run("missing binary has no exit code", func(t *testing.T) {
		code, err := ExecExecutor{}.Execute(ctx, model.NewJob("/nonexistent/jobqueue-cmd"), io.Discard, io.Discard)
		require.Error(t, err)
		assert.Nil(t, code)
	})
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())

	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "[output truncated]\ncdefg", b.String())

	unbounded := newTailBuffer(0)
	_, _ = unbounded.Write([]byte(strings.Repeat("x", 100)))
	assert.Len(t, unbounded.String(), 100)
}
