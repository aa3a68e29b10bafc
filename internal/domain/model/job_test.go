package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

func TestNewJob(t *testing.T) {
	job := NewJob("a:b", "a", "b", "c")

	assert.Equal(t, "a:b", job.Command)
	assert.Equal(t, []string{"a", "b", "c"}, job.Args)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, JobStatePending, job.State())
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, DefaultQueue, job.Queue)
	assert.False(t, job.IsPersisted())
}

func TestNewJob_NoArgs(t *testing.T) {
	job := NewJob("a")
	assert.NotNil(t, job.Args)
	assert.Empty(t, job.Args)
}

func TestJobState_Predicates(t *testing.T) {
	tests := []struct {
		state    JobState
		final    bool
		retry    bool
		dead     bool
		hasNexts bool
	}{
		{JobStatePending, false, false, false, true},
		{JobStateRunning, false, false, false, true},
		{JobStateFinished, true, false, false, false},
		{JobStateFailed, true, true, true, false},
		{JobStateTerminated, true, true, true, false},
		{JobStateCanceled, true, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.True(t, tt.state.Valid())
			assert.Equal(t, tt.final, tt.state.IsFinal())
			assert.Equal(t, tt.retry, tt.state.TriggersRetry())
			assert.Equal(t, tt.dead, tt.state.IsDead())
			assert.Equal(t, tt.hasNexts, len(allowedTransitions[tt.state]) > 0)
		})
	}
	assert.False(t, JobState("new").Valid())
}

func TestJobState_UnmarshalText(t *testing.T) {
	var s JobState
	require.NoError(t, s.UnmarshalText([]byte(" Terminated ")))
	assert.Equal(t, JobStateTerminated, s)
	assert.Error(t, s.UnmarshalText([]byte("done")))
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobState]bool{
		{JobStatePending, JobStateRunning}:    true,
		{JobStatePending, JobStateCanceled}:   true,
		{JobStateRunning, JobStateRunning}:    true,
		{JobStateRunning, JobStateFinished}:   true,
		{JobStateRunning, JobStateFailed}:     true,
		{JobStateRunning, JobStateTerminated}: true,
	}
	for _, from := range AllJobStates {
		for _, to := range AllJobStates {
			assert.Equal(t, allowed[[2]JobState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSetState_InvalidTransition(t *testing.T) {
	job := NewJob("a:b")
	err := job.SetState(JobStateFailed)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidStateTransition(err))

	var te *apperrors.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "pending", te.From)
	assert.Equal(t, "failed", te.To)
	assert.Equal(t, JobStatePending, job.State())
}

func TestSetState_Running(t *testing.T) {
	job := NewJob("a:b")

	require.NoError(t, job.SetState(JobStateRunning))
	assert.Equal(t, JobStateRunning, job.State())
	require.NotNil(t, job.StartedAt)
	startedAt := *job.StartedAt

	require.NoError(t, job.SetState(JobStateRunning))
	assert.Equal(t, startedAt, *job.StartedAt)
	assert.Nil(t, job.ClosedAt)
}

func TestSetState_FinalStates(t *testing.T) {
	for _, final := range []JobState{JobStateFinished, JobStateFailed, JobStateTerminated} {
		t.Run(string(final), func(t *testing.T) {
			job := NewJob("a:b")
			require.NoError(t, job.SetState(JobStateRunning))
			require.NoError(t, job.SetState(final))
			assert.Equal(t, final, job.State())
			assert.NotNil(t, job.ClosedAt)

			err := job.SetState(JobStateRunning)
			assert.True(t, apperrors.IsInvalidStateTransition(err))
		})
	}
}

func TestSetState_CancelPending(t *testing.T) {
	job := NewJob("a")
	require.NoError(t, job.SetState(JobStateCanceled))
	assert.Equal(t, JobStateCanceled, job.State())
	assert.Nil(t, job.StartedAt)
	assert.NotNil(t, job.ClosedAt)
}

func TestOutputBuffers(t *testing.T) {
	job := NewJob("foo")
	assert.Empty(t, job.Output)
	assert.Empty(t, job.ErrorOutput)

	job.AddOutput("foo")
	job.AddOutput("bar")
	assert.Equal(t, "foobar", job.Output)

	job.AddErrorOutput("foo")
	job.AddErrorOutput("bar")
	assert.Equal(t, "foobar", job.ErrorOutput)

	job.SetOutput("baz")
	assert.Equal(t, "baz", job.Output)
	job.SetErrorOutput("qux")
	assert.Equal(t, "qux", job.ErrorOutput)
}

func TestAddDependency(t *testing.T) {
	a := NewJob("a")
	b := NewJob("b")
	assert.Empty(t, a.Dependencies())
	assert.Empty(t, b.Dependencies())

	require.NoError(t, a.AddDependency(b))
	require.Len(t, a.Dependencies(), 1)
	assert.Same(t, b, a.Dependencies()[0])
	assert.Empty(t, b.Dependencies())
}

func TestAddDependency_PersistedJob(t *testing.T) {
	job := NewJob("a")
	require.NoError(t, job.SetState(JobStateRunning))
	job.ID = "1"

	err := job.AddDependency(NewJob("b"))
	require.Error(t, err)
	assert.True(t, apperrors.IsLogicViolation(err))
	assert.Equal(t, "You cannot add dependencies to a job which might have been started already.", err.Error())
}

func TestAddDependency_SameDependencyOnce(t *testing.T) {
	a := NewJob("a")
	b := NewJob("b")

	require.NoError(t, a.AddDependency(b))
	require.NoError(t, a.AddDependency(b))
	assert.Len(t, a.Dependencies(), 1)
}

func TestAddDependency_SameIDCountsAsSameJob(t *testing.T) {
	a := NewJob("a")
	b1 := NewJob("b")
	b1.ID = "b"
	b2 := NewJob("b")
	b2.ID = "b"

	require.NoError(t, a.AddDependency(b1))
	require.NoError(t, a.AddDependency(b2))
	assert.Len(t, a.Dependencies(), 1)
	assert.Equal(t, []string{"b"}, a.DependencyIDs())
}

func TestAddDependency_RejectsCycles(t *testing.T) {
	a := NewJob("a")
	b := NewJob("b")
	c := NewJob("c")

	assert.True(t, apperrors.IsLogicViolation(a.AddDependency(a)))

	require.NoError(t, a.AddDependency(b))
	require.NoError(t, b.AddDependency(c))
	assert.True(t, apperrors.IsLogicViolation(c.AddDependency(a)))
	assert.Empty(t, c.Dependencies())
}

func TestHasDependency(t *testing.T) {
	a := NewJob("a")
	b := NewJob("b")

	assert.False(t, a.HasDependency(b))
	require.NoError(t, a.AddDependency(b))
	assert.True(t, a.HasDependency(b))
}

func TestIsStartable_And_DeadDependency(t *testing.T) {
	a := NewJob("a")
	b := NewJob("b")
	c := NewJob("c")
	require.NoError(t, a.AddDependency(b))
	require.NoError(t, a.AddDependency(c))

	assert.False(t, a.IsStartable())
	assert.Nil(t, a.DeadDependency())

	b.Hydrate(JobStateFinished, Relations{})
	c.Hydrate(JobStateFinished, Relations{})
	assert.True(t, a.IsStartable())

	c.Hydrate(JobStateCanceled, Relations{})
	assert.False(t, a.IsStartable())
	assert.Same(t, c, a.DeadDependency())
}

func TestRetryJobs(t *testing.T) {
	a := NewJob("a")
	require.NoError(t, a.SetState(JobStateRunning))
	b := NewJob("b")
	a.AddRetryJob(b)

	require.Len(t, a.RetryJobs(), 1)
	assert.Same(t, b, a.RetryJobs()[0])

	assert.False(t, a.IsRetryJob())
	assert.True(t, b.IsRetryJob())

	assert.Same(t, a, a.OriginalJob())
	assert.Same(t, a, b.OriginalJob())
}

func TestTouch(t *testing.T) {
	job := NewJob("a")
	assert.Nil(t, job.CheckedAt)

	job.Touch()
	require.NotNil(t, job.CheckedAt)
	first := *job.CheckedAt

	time.Sleep(time.Millisecond)
	job.Touch()
	require.NotNil(t, job.CheckedAt)
	assert.True(t, job.CheckedAt.After(first))
}

func TestIsRetryAllowed(t *testing.T) {
	job := NewJob("a")
	assert.False(t, job.IsRetryAllowed())

	job.MaxRetries = 1
	assert.True(t, job.IsRetryAllowed())

	require.NoError(t, job.SetState(JobStateRunning))
	job.AddRetryJob(NewJob("a"))
	assert.False(t, job.IsRetryAllowed())
}

func TestRelatedEntities(t *testing.T) {
	job := NewJob("a")
	order := RelatedEntity{Type: "order", ID: "42"}

	require.NoError(t, job.AddRelatedEntity(order))
	require.NoError(t, job.AddRelatedEntity(order))
	assert.Len(t, job.RelatedEntities(), 1)

	got, ok := job.FindRelatedEntity("order")
	require.True(t, ok)
	assert.Equal(t, order, got)

	_, ok = job.FindRelatedEntity("invoice")
	assert.False(t, ok)

	assert.True(t, apperrors.IsValidation(job.AddRelatedEntity(RelatedEntity{Type: "order"})))

	job.ID = "1"
	assert.True(t, apperrors.IsLogicViolation(job.AddRelatedEntity(RelatedEntity{Type: "user", ID: "7"})))
}

func TestHydrate(t *testing.T) {
	root := NewJob("a")
	root.ID = "root"
	retry := NewJob("a")
	retry.ID = "retry"
	dep := NewJob("b")
	dep.ID = "dep"

	root.Hydrate(JobStateRunning, Relations{
		RetryJobs:       []*Job{retry},
		Dependencies:    []*Job{dep},
		RelatedEntities: []RelatedEntity{{Type: "order", ID: "1"}},
	})

	assert.Equal(t, JobStateRunning, root.State())
	assert.True(t, root.HasDependency(dep))
	assert.Same(t, root, retry.OriginalJob())
	assert.True(t, retry.IsRetryJob())
	_, ok := root.FindRelatedEntity("order")
	assert.True(t, ok)

	root.Hydrate(JobStateFailed, Relations{OriginalJob: root})
	assert.False(t, root.IsRetryJob())
}

func TestIDSet(t *testing.T) {
	s := NewIDSet("b", "a")
	s.Add("c")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("z"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Slice())

	clone := s.Clone()
	clone.Add("z")
	assert.False(t, s.Has("z"))
}

func TestPendingJobFilter_Admits(t *testing.T) {
	job := NewJob("a")
	job.ID = "1"
	job.Queue = "mail"

	assert.True(t, PendingJobFilter{}.Admits(job))
	assert.False(t, PendingJobFilter{ExcludedIDs: []string{"1"}}.Admits(job))
	assert.False(t, PendingJobFilter{ExcludedQueues: []string{"mail"}}.Admits(job))
	assert.False(t, PendingJobFilter{RestrictedQueues: []string{"default"}}.Admits(job))
	assert.True(t, PendingJobFilter{RestrictedQueues: []string{"mail"}}.Admits(job))
}
