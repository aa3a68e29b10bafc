// Package testutil provides database, Redis and job-building helpers for the job queue tests.
package testutil

import (
	"context"
	"time"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// JobBuilder provides a fluent interface for building unpersisted jobs.
type JobBuilder struct {
	job  *model.Job
	deps []*model.Job
	tags []model.RelatedEntity
}

// NewJob creates a JobBuilder for command with default queue and priority.
func NewJob(command string, args ...string) *JobBuilder {
	return &JobBuilder{job: model.NewJob(command, args...)}
}

// WithQueue sets the queue.
func (b *JobBuilder) WithQueue(queue string) *JobBuilder {
	b.job.Queue = queue
	return b
}

// WithPriority sets the priority.
func (b *JobBuilder) WithPriority(priority int) *JobBuilder {
	b.job.Priority = priority
	return b
}

// WithMaxRetries sets the retry budget.
func (b *JobBuilder) WithMaxRetries(maxRetries int) *JobBuilder {
	b.job.MaxRetries = maxRetries
	return b
}

// WithExecuteAfter delays the job until at.
func (b *JobBuilder) WithExecuteAfter(at time.Time) *JobBuilder {
	b.job.ExecuteAfter = &at
	return b
}

// WithCreatedAt backdates the job.
func (b *JobBuilder) WithCreatedAt(at time.Time) *JobBuilder {
	b.job.CreatedAt = at
	return b
}

// DependsOn adds dependency edges to persisted jobs.
func (b *JobBuilder) DependsOn(deps ...*model.Job) *JobBuilder {
	b.deps = append(b.deps, deps...)
	return b
}

// TaggedWith adds a related entity.
func (b *JobBuilder) TaggedWith(entityType, id string) *JobBuilder {
	b.tags = append(b.tags, model.RelatedEntity{Type: entityType, ID: id})
	return b
}

// Build returns the unpersisted job, failing the test on an invalid graph.
func (b *JobBuilder) Build(t TestingTB) *model.Job {
	t.Helper()
	for _, dep := range b.deps {
		if err := b.job.AddDependency(dep); err != nil {
			t.Fatalf("add dependency: %v", err)
		}
	}
	for _, tag := range b.tags {
		if err := b.job.AddRelatedEntity(tag); err != nil {
			t.Fatalf("add related entity: %v", err)
		}
	}
	return b.job
}

// Create persists the job in store and returns it.
func (b *JobBuilder) Create(t TestingTB, store core.JobStore) *model.Job {
	t.Helper()
	job := b.Build(t)
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("create job %s: %v", job.Command, err)
	}
	return job
}

// CreateRunning persists the job and claims it for worker.
func (b *JobBuilder) CreateRunning(t TestingTB, store core.JobStore, worker string) *model.Job {
	t.Helper()
	job := b.Create(t, store)
	job.WorkerName = worker
	if err := job.SetState(model.JobStateRunning); err != nil {
		t.Fatalf("start job: %v", err)
	}
	ok, err := store.Claim(context.Background(), job)
	if err != nil || !ok {
		t.Fatalf("claim job %s: ok=%v err=%v", job.ID, ok, err)
	}
	return job
}

// Reload fetches a fresh copy of job from store.
func Reload(t TestingTB, store core.JobStore, job *model.Job) *model.Job {
	t.Helper()
	fresh, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload job %s: %v", job.ID, err)
	}
	return fresh
}
