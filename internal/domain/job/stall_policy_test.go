package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

func TestNewStallPolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewStallPolicy(90 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, policy.Threshold())
		assert.Equal(t, 30*time.Second, policy.HeartbeatInterval())
	})

	t.Run("invalid threshold", func(t *testing.T) {
		policy, err := NewStallPolicy(0)
		require.ErrorIs(t, err, ErrInvalidStallThreshold)
		assert.Nil(t, policy)
	})

	t.Run("heartbeat interval floor", func(t *testing.T) {
		policy, err := NewStallPolicy(time.Second)
		require.NoError(t, err)
		assert.Equal(t, time.Second, policy.HeartbeatInterval())
	})
}

func TestStallPolicy_Stalled(t *testing.T) {
	policy, err := NewStallPolicy(time.Minute)
	require.NoError(t, err)

	job := model.NewJob("a")
	now := time.Now().UTC().Add(time.Hour)

	assert.False(t, policy.Stalled(job, now), "pending jobs never stall")

	require.NoError(t, job.SetState(model.JobStateRunning))
	assert.True(t, policy.Stalled(job, now), "no heartbeat since start")

	recent := now.Add(-10 * time.Second)
	job.CheckedAt = &recent
	assert.False(t, policy.Stalled(job, now))
	assert.Equal(t, recent, LastSeen(job))

	var nilPolicy *StallPolicy
	assert.False(t, nilPolicy.Stalled(job, now))
}

func TestLastSeen(t *testing.T) {
	job := model.NewJob("a")
	assert.Equal(t, job.CreatedAt, LastSeen(job))

	require.NoError(t, job.SetState(model.JobStateRunning))
	assert.Equal(t, *job.StartedAt, LastSeen(job))
}
