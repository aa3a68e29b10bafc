package job

import (
	"errors"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// ErrInvalidStallThreshold indicates the configured stall threshold is not positive.
var ErrInvalidStallThreshold = errors.New("stall threshold must be positive")

// minHeartbeatInterval is the floor applied to derived heartbeat intervals.
const minHeartbeatInterval = time.Second

// StallPolicy decides when a running job has stopped sending heartbeats.
type StallPolicy struct {
	threshold time.Duration
}

// NewStallPolicy constructs a StallPolicy with the provided threshold.
func NewStallPolicy(threshold time.Duration) (*StallPolicy, error) {
	if threshold <= 0 {
		return nil, ErrInvalidStallThreshold
	}
	return &StallPolicy{threshold: threshold}, nil
}

// Threshold returns the configured silence allowed before a job counts as stalled.
func (p *StallPolicy) Threshold() time.Duration {
	if p == nil {
		return 0
	}
	return p.threshold
}

// HeartbeatInterval returns how often a worker should touch a running job so
// that a single missed beat does not make it look stalled.
func (p *StallPolicy) HeartbeatInterval() time.Duration {
	if p == nil {
		return minHeartbeatInterval
	}
	interval := p.threshold / 3
	if interval < minHeartbeatInterval {
		return minHeartbeatInterval
	}
	return interval
}

// Cutoff returns the oldest acceptable heartbeat at time now.
func (p *StallPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Threshold())
}

// LastSeen returns the most recent sign of life of a job.
func LastSeen(j *model.Job) time.Time {
	switch {
	case j.CheckedAt != nil:
		return *j.CheckedAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.CreatedAt
	}
}

// Stalled reports whether j is running and silent for longer than the threshold.
func (p *StallPolicy) Stalled(j *model.Job, now time.Time) bool {
	if p == nil || j.State() != model.JobStateRunning {
		return false
	}
	return LastSeen(j).Before(p.Cutoff(now))
}
