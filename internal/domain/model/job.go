// Package model defines the job entity, its state machine and the value types
// shared by the scheduler, the stores and the adapters.
package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

// JobState represents the lifecycle state of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobState string

const (
	// JobStatePending indicates a job is waiting to be claimed by a worker.
	JobStatePending JobState = "pending"
	// JobStateRunning indicates a job has been claimed and is executing (or awaiting retries).
	JobStateRunning JobState = "running"
	// JobStateFinished indicates a job completed successfully.
	JobStateFinished JobState = "finished"
	// JobStateFailed indicates a job completed unsuccessfully.
	JobStateFailed JobState = "failed"
	// JobStateTerminated indicates a job was killed or timed out.
	JobStateTerminated JobState = "terminated"
	// JobStateCanceled indicates a job was withdrawn before it ran.
	JobStateCanceled JobState = "canceled"
)

// Default queue and priority values.
const (
	DefaultQueue = "default"

	PriorityLow     = -5
	PriorityDefault = 0
	PriorityHigh    = 5
)

// ErrNoJobsAvailable is returned when no pending job matches a query.
var ErrNoJobsAvailable = errors.New("no jobs available")

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	JobStatePending,
	JobStateRunning,
	JobStateFinished,
	JobStateFailed,
	JobStateTerminated,
	JobStateCanceled,
}

var allowedTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateCanceled},
	JobStateRunning: {JobStateRunning, JobStateFinished, JobStateFailed, JobStateTerminated},
}

// Valid returns true if the JobState is one of the known states.
func (s JobState) Valid() bool {
	return slices.Contains(AllJobStates, s)
}

// IsFinal reports whether s is a closed state with no outgoing transitions.
func (s JobState) IsFinal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateTerminated, JobStateCanceled:
		return true
	case JobStatePending, JobStateRunning:
		return false
	}
	return false
}

// TriggersRetry reports whether closing a job in state s may spawn a retry.
func (s JobState) TriggersRetry() bool {
	return s == JobStateFailed || s == JobStateTerminated
}

// IsDead reports whether a dependency in state s can never finish cleanly.
func (s JobState) IsDead() bool {
	return s == JobStateFailed || s == JobStateTerminated || s == JobStateCanceled
}

// UnmarshalText implements encoding.TextUnmarshaler for JobState to allow env and flag parsing.
func (s *JobState) UnmarshalText(text []byte) error {
	v := JobState(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobState: %q", v)
	}
	*s = v
	return nil
}

// CanTransition reports whether the transition table allows from → to.
func CanTransition(from, to JobState) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Job is a unit of deferred work: a command name plus arguments, with the
// dependency edges, retry chain and related-entity tags that govern when and
// how it runs.
//
// The state is only changed through SetState. Dependency edges and tags can
// only be added while the job has no ID.
type Job struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	Args         []string   `json:"args"`
	Queue        string     `json:"queue"`
	Priority     int        `json:"priority"`
	MaxRetries   int        `json:"max_retries"`
	WorkerName   string     `json:"worker_name,omitempty"`
	Output       string     `json:"output,omitempty"`
	ErrorOutput  string     `json:"error_output,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CheckedAt    *time.Time `json:"checked_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty"`

	state           JobState
	dependencies    []*Job
	retryJobs       []*Job
	originalJob     *Job
	relatedEntities []RelatedEntity
}

// Relations carries the graph of a job loaded from a store.
type Relations struct {
	Dependencies    []*Job
	RetryJobs       []*Job
	OriginalJob     *Job
	RelatedEntities []RelatedEntity
}

// NewJob creates a pending job in the default queue.
func NewJob(command string, args ...string) *Job {
	if args == nil {
		args = []string{}
	}
	return &Job{
		Command:   command,
		Args:      args,
		Queue:     DefaultQueue,
		Priority:  PriorityDefault,
		CreatedAt: now(),
		state:     JobStatePending,
	}
}

// Hydrate rebuilds a job read from a store. It bypasses the transition table
// and the persisted-job guards and must only be used by store implementations.
func (j *Job) Hydrate(state JobState, rel Relations) {
	j.state = state
	j.dependencies = slices.Clone(rel.Dependencies)
	j.relatedEntities = slices.Clone(rel.RelatedEntities)
	j.retryJobs = nil
	for _, r := range rel.RetryJobs {
		j.AddRetryJob(r)
	}
	if rel.OriginalJob != nil && rel.OriginalJob != j {
		j.originalJob = rel.OriginalJob
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(id = %s, command = %q)", j.ID, j.Command)
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	return j.state
}

// SetState moves the job to state to. StartedAt is set on the first move to
// running and ClosedAt on any move to a final state.
func (j *Job) SetState(to JobState) error {
	if !CanTransition(j.state, to) {
		return apperrors.InvalidStateTransition(string(j.state), string(to))
	}
	if j.state == to {
		return nil
	}

	ts := now()
	switch {
	case to == JobStateRunning:
		if j.StartedAt == nil {
			j.StartedAt = &ts
		}
	case to.IsFinal():
		j.ClosedAt = &ts
	}
	j.state = to
	return nil
}

// Touch records a heartbeat.
func (j *Job) Touch() {
	ts := now()
	j.CheckedAt = &ts
}

// IsPersisted reports whether the job has been assigned an ID by a store.
func (j *Job) IsPersisted() bool {
	return j.ID != ""
}

// AddDependency makes j wait for dep to finish. Adding the same dependency
// twice is a no-op.
func (j *Job) AddDependency(dep *Job) error {
	if dep == nil {
		return apperrors.LogicViolation("dependency must not be nil")
	}
	if j.IsPersisted() {
		return apperrors.LogicViolation(
			"You cannot add dependencies to a job which might have been started already.",
		)
	}
	if j.HasDependency(dep) {
		return nil
	}
	if sameJob(j, dep) || dep.dependsOn(j) {
		return apperrors.LogicViolation("dependency would create a cycle")
	}
	j.dependencies = append(j.dependencies, dep)
	return nil
}

// HasDependency reports whether dep is a direct dependency of j.
func (j *Job) HasDependency(dep *Job) bool {
	return slices.ContainsFunc(j.dependencies, func(d *Job) bool { return sameJob(d, dep) })
}

// Dependencies returns the direct dependencies of j.
func (j *Job) Dependencies() []*Job {
	return slices.Clone(j.dependencies)
}

// DependencyIDs returns the IDs of the direct dependencies, skipping unpersisted ones.
func (j *Job) DependencyIDs() []string {
	ids := make([]string, 0, len(j.dependencies))
	for _, d := range j.dependencies {
		if d.IsPersisted() {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (j *Job) dependsOn(target *Job) bool {
	seen := map[*Job]struct{}{}
	stack := slices.Clone(j.dependencies)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if sameJob(d, target) {
			return true
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		stack = append(stack, d.dependencies...)
	}
	return false
}

// IsStartable reports whether every dependency has finished.
func (j *Job) IsStartable() bool {
	for _, d := range j.dependencies {
		if d.state != JobStateFinished {
			return false
		}
	}
	return true
}

// DeadDependency returns the first dependency that can never finish, if any.
func (j *Job) DeadDependency() *Job {
	for _, d := range j.dependencies {
		if d.state.IsDead() {
			return d
		}
	}
	return nil
}

// AddRetryJob attaches retry as a new attempt of j.
func (j *Job) AddRetryJob(retry *Job) {
	retry.originalJob = j
	j.retryJobs = append(j.retryJobs, retry)
}

// RetryJobs returns the retry attempts spawned for j, oldest first.
func (j *Job) RetryJobs() []*Job {
	return slices.Clone(j.retryJobs)
}

// IsRetryJob reports whether j is a retry attempt of another job.
func (j *Job) IsRetryJob() bool {
	return j.originalJob != nil && j.originalJob != j
}

// OriginalJob returns the root of the retry chain; a root returns itself.
func (j *Job) OriginalJob() *Job {
	if j.IsRetryJob() {
		return j.originalJob
	}
	return j
}

// IsRetryAllowed reports whether another retry attempt may be spawned.
func (j *Job) IsRetryAllowed() bool {
	return j.MaxRetries > len(j.retryJobs)
}

// AddOutput appends to the standard output buffer.
func (j *Job) AddOutput(s string) {
	j.Output += s
}

// AddErrorOutput appends to the error output buffer.
func (j *Job) AddErrorOutput(s string) {
	j.ErrorOutput += s
}

// SetOutput replaces the standard output buffer.
func (j *Job) SetOutput(s string) {
	j.Output = s
}

// SetErrorOutput replaces the error output buffer.
func (j *Job) SetErrorOutput(s string) {
	j.ErrorOutput = s
}

// AddRelatedEntity tags j with a domain object so it can be looked up later.
func (j *Job) AddRelatedEntity(e Entity) error {
	if e == nil || e.EntityType() == "" || e.EntityID() == "" {
		return apperrors.ValidationField("related_entity", "entity type and id are required")
	}
	if j.IsPersisted() {
		return apperrors.LogicViolation("You cannot tag a job which might have been started already.")
	}
	re := RelatedEntity{Type: e.EntityType(), ID: e.EntityID()}
	if !slices.Contains(j.relatedEntities, re) {
		j.relatedEntities = append(j.relatedEntities, re)
	}
	return nil
}

// FindRelatedEntity returns the first related entity with the given type.
func (j *Job) FindRelatedEntity(entityType string) (RelatedEntity, bool) {
	for _, re := range j.relatedEntities {
		if re.Type == entityType {
			return re, true
		}
	}
	return RelatedEntity{}, false
}

// RelatedEntities returns all related-entity tags.
func (j *Job) RelatedEntities() []RelatedEntity {
	return slices.Clone(j.relatedEntities)
}

// ValidateNewJobs checks that jobs can be inserted together. Every job must
// be unpersisted, have a command and appear once. Dependencies must either be
// persisted already or be members of the same batch.
// ValidateNewJobs checks a batch of jobs before it is stored. Every
// dependency must be persisted already or be part of the batch.
func ValidateNewJobs(jobs []*Job) error {
	if len(jobs) == 0 {
		return apperrors.Validation("at least one job is required")
	}
	batch := make(map[*Job]struct{}, len(jobs))
	for _, job := range jobs {
		if job == nil {
			return apperrors.Validation("job is required")
		}
		if job.IsPersisted() {
			return apperrors.LogicViolation("job is already persisted")
		}
		if job.Command == "" {
			return apperrors.ValidationField("command", "command is required")
		}
		if _, dup := batch[job]; dup {
			return apperrors.Validationf("job %q appears twice in the batch", job.Command)
		}
		batch[job] = struct{}{}
	}
	for _, job := range jobs {
		for _, dep := range job.dependencies {
			if _, ok := batch[dep]; !ok && !dep.IsPersisted() {
				return apperrors.ForeignKey("dependency must be persisted or created in the same batch")
			}
		}
		if job.IsRetryJob() && !job.originalJob.IsPersisted() {
			return apperrors.ForeignKey("original job must be persisted before its retry")
		}
	}
	return nil
}

func sameJob(a, b *Job) bool {
	if a == b {
		return true
	}
	return a.ID != "" && a.ID == b.ID
}

func now() time.Time {
	return time.Now().UTC()
}
