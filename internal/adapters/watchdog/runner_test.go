package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/data/memstore"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

func TestNewRunner(t *testing.T) {
	store := memstore.New()
	manager := service.MustNewJobManager(service.JobManagerOptions{Store: store})
	cfg := config.WatchdogConfig{Interval: time.Minute, StallThreshold: time.Minute, BatchSize: 10}

	t.Run("requires a database or repository", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Closer: manager, Config: cfg})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("requires a closer", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Repo: store, Config: cfg})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job closer is required")
	})

	t.Run("propagates service errors", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Repo: store, Closer: manager})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wire watchdog service")
	})
}

func TestRunner_RunOnce(t *testing.T) {
	store := memstore.New()
	manager := service.MustNewJobManager(service.JobManagerOptions{Store: store})

	stalled := testutil.NewJob("import").Create(t, store)
	stalled.WorkerName = "gone"
	require.NoError(t, stalled.SetState(model.JobStateRunning))
	startedAt := time.Now().UTC().Add(-time.Hour)
	stalled.StartedAt = &startedAt
	claimed, err := store.Claim(context.Background(), stalled)
	require.NoError(t, err)
	require.True(t, claimed)

	r, err := NewRunner(RunnerOptions{
		Repo:   store,
		Closer: manager,
		Stats:  manager,
		Config: config.WatchdogConfig{Interval: time.Minute, StallThreshold: time.Minute, BatchSize: 10},
	})
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(context.Background()))

	assert.Equal(t, model.JobStateTerminated, testutil.Reload(t, store, stalled).State())
}
