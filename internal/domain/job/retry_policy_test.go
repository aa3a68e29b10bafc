package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

func newRoot(t *testing.T) *model.Job {
	t.Helper()
	root := model.NewJob("report:build", "--month", "2024-01")
	root.Queue = "reports"
	root.Priority = model.PriorityHigh
	root.MaxRetries = 3
	require.NoError(t, root.AddDependency(model.NewJob("report:fetch")))
	require.NoError(t, root.AddRelatedEntity(model.RelatedEntity{Type: "report", ID: "9"}))
	require.NoError(t, root.SetState(model.JobStateRunning))
	return root
}

func TestImmediateRetryPolicy_NextAttempt(t *testing.T) {
	root := newRoot(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	retry := ImmediateRetryPolicy{}.NextAttempt(root, now)

	assert.Equal(t, root.Command, retry.Command)
	assert.Equal(t, root.Args, retry.Args)
	assert.Equal(t, "reports", retry.Queue)
	assert.Equal(t, model.PriorityHigh, retry.Priority)
	assert.Equal(t, 3, retry.MaxRetries)
	assert.Equal(t, model.JobStatePending, retry.State())
	assert.Empty(t, retry.Dependencies())
	assert.Empty(t, retry.RelatedEntities())
	assert.Nil(t, retry.ExecuteAfter)
	assert.False(t, retry.IsPersisted())

	retry.Args[0] = "--year"
	assert.Equal(t, "--month", root.Args[0], "args must not be shared with the root")
}

func TestImmediateRetryPolicy_CopyRelatedEntities(t *testing.T) {
	root := newRoot(t)
	retry := ImmediateRetryPolicy{CopyRelatedEntities: true}.NextAttempt(root, time.Now())

	re, ok := retry.FindRelatedEntity("report")
	require.True(t, ok)
	assert.Equal(t, "9", re.ID)
}

func TestExponentialRetryPolicy_Delay(t *testing.T) {
	policy := NewExponentialRetryPolicy(ExponentialRetryPolicyOptions{})

	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 5*time.Second, policy.Delay(1))
	assert.Equal(t, 25*time.Second, policy.Delay(2))
	assert.Equal(t, 125*time.Second, policy.Delay(3))
	assert.Equal(t, time.Second, policy.Delay(-1))
}

func TestExponentialRetryPolicy_MaxDelay(t *testing.T) {
	policy := NewExponentialRetryPolicy(ExponentialRetryPolicyOptions{
		Base:     2,
		Unit:     time.Minute,
		MaxDelay: 10 * time.Minute,
	})

	assert.Equal(t, 4*time.Minute, policy.Delay(2))
	assert.Equal(t, 10*time.Minute, policy.Delay(4))
	assert.Equal(t, 10*time.Minute, policy.Delay(200))
}

func TestExponentialRetryPolicy_NextAttempt(t *testing.T) {
	root := newRoot(t)
	policy := NewExponentialRetryPolicy(ExponentialRetryPolicyOptions{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := policy.NextAttempt(root, now)
	require.NotNil(t, first.ExecuteAfter)
	assert.Equal(t, now.Add(time.Second), *first.ExecuteAfter)

	root.AddRetryJob(first)
	second := policy.NextAttempt(root, now)
	require.NotNil(t, second.ExecuteAfter)
	assert.Equal(t, now.Add(5*time.Second), *second.ExecuteAfter)
}
