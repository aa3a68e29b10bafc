// Package job holds the scheduling policies of the queue: how retry attempts
// are built, when a running job counts as stalled, and how idle workers are
// woken up.
package job

import (
	"math"
	"slices"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// RetryPolicy builds the next attempt for a root job whose retry budget is not
// exhausted. The returned job is pending, unpersisted and has no dependencies.
type RetryPolicy interface {
	NextAttempt(root *model.Job, now time.Time) *model.Job
}

// ImmediateRetryPolicy copies command, args, queue, priority and retry budget
// and makes the attempt runnable right away.
type ImmediateRetryPolicy struct {
	// CopyRelatedEntities carries the root's related-entity tags over to the attempt.
	CopyRelatedEntities bool
}

// NextAttempt implements RetryPolicy.
func (p ImmediateRetryPolicy) NextAttempt(root *model.Job, _ time.Time) *model.Job {
	return cloneForRetry(root, p.CopyRelatedEntities)
}

// ExponentialRetryPolicyOptions configures ExponentialRetryPolicy.
type ExponentialRetryPolicyOptions struct {
	Base                float64       // Growth factor per attempt (default 5)
	Unit                time.Duration // Delay of the first attempt (default 1s)
	MaxDelay            time.Duration // Upper bound for a single delay; 0 disables the cap
	CopyRelatedEntities bool
}

// ExponentialRetryPolicy delays attempt n (0-based) by Unit * Base^n.
type ExponentialRetryPolicy struct {
	base        float64
	unit        time.Duration
	maxDelay    time.Duration
	copyRelated bool
}

// NewExponentialRetryPolicy creates an ExponentialRetryPolicy with defaults applied.
func NewExponentialRetryPolicy(opts ExponentialRetryPolicyOptions) *ExponentialRetryPolicy {
	base := opts.Base
	if base < 1 {
		base = 5
	}
	unit := opts.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return &ExponentialRetryPolicy{
		base:        base,
		unit:        unit,
		maxDelay:    opts.MaxDelay,
		copyRelated: opts.CopyRelatedEntities,
	}
}

// Delay returns the wait before attempt number attempt becomes runnable.
func (p *ExponentialRetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.unit) * math.Pow(p.base, float64(attempt))
	delay := time.Duration(math.MaxInt64)
	if d < float64(math.MaxInt64) {
		delay = time.Duration(d)
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// NextAttempt implements RetryPolicy.
func (p *ExponentialRetryPolicy) NextAttempt(root *model.Job, now time.Time) *model.Job {
	retry := cloneForRetry(root, p.copyRelated)
	notBefore := now.Add(p.Delay(len(root.RetryJobs())))
	retry.ExecuteAfter = &notBefore
	return retry
}

func cloneForRetry(root *model.Job, copyRelated bool) *model.Job {
	retry := model.NewJob(root.Command, slices.Clone(root.Args)...)
	retry.Queue = root.Queue
	retry.Priority = root.Priority
	retry.MaxRetries = root.MaxRetries
	if copyRelated {
		for _, re := range root.RelatedEntities() {
			// retry is unpersisted and re was already validated on the root.
			_ = retry.AddRelatedEntity(re)
		}
	}
	return retry
}

var (
	_ RetryPolicy = ImmediateRetryPolicy{}
	_ RetryPolicy = (*ExponentialRetryPolicy)(nil)
)
