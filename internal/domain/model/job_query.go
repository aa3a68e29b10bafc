package model

import (
	"slices"
	"time"
)

// PendingJobFilter narrows the search for the next pending job.
type PendingJobFilter struct {
	ExcludedIDs      []string // Jobs already considered during this poll
	ExcludedQueues   []string // Queues the caller will not serve
	RestrictedQueues []string // When non-empty, only these queues are served
}

// Admits reports whether job j passes the queue and id filters.
func (f PendingJobFilter) Admits(j *Job) bool {
	if slices.Contains(f.ExcludedIDs, j.ID) {
		return false
	}
	if slices.Contains(f.ExcludedQueues, j.Queue) {
		return false
	}
	if len(f.RestrictedQueues) > 0 && !slices.Contains(f.RestrictedQueues, j.Queue) {
		return false
	}
	return true
}

// JobListOptions groups parameters for listing jobs (admin view).
type JobListOptions struct {
	State  *JobState // Optional filter by state
	Queue  string    // Optional filter by queue
	Limit  int       // Pagination limit
	Offset int       // Pagination offset
}

// JobStats counts jobs per state.
type JobStats map[JobState]int

// StateChangeEvent is delivered to event sinks after a job state change is persisted.
type StateChangeEvent struct {
	Job        *Job
	OldState   JobState
	NewState   JobState
	OccurredAt time.Time
}

// IDSet is a mutable set of job IDs.
type IDSet map[string]struct{}

// NewIDSet creates a set holding ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id into the set.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in sorted order.
func (s IDSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy of the set.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}
