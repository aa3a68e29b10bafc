package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/internal/data/storetest"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Store { return New() })
}

func TestStore_ExecuteAfterUsesClock(t *testing.T) {
	now := testutil.TestTime()
	var mu sync.Mutex
	s := New(Options{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}})

	job := testutil.NewJob("delayed").WithExecuteAfter(now.Add(time.Minute)).Create(t, s)

	_, err := s.FindPending(context.Background(), model.PendingJobFilter{})
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	got, err := s.FindPending(context.Background(), model.PendingJobFilter{})
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	job := testutil.NewJob("copy", "a").Create(t, s)

	got := testutil.Reload(t, s, job)
	got.Args[0] = "mutated"
	got.Output = "mutated"

	again := testutil.Reload(t, s, job)
	assert.Equal(t, []string{"a"}, again.Args)
	assert.Empty(t, again.Output)
}

func TestStore_ConcurrentClaims(t *testing.T) {
	s := New()
	job := testutil.NewJob("contended").Create(t, s)

	const workers = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt, err := s.GetByID(context.Background(), job.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if err := attempt.SetState(model.JobStateRunning); err != nil {
				t.Error(err)
				return
			}
			ok, err := s.Claim(context.Background(), attempt)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}
