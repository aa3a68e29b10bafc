// Package memstore provides an in-memory implementation of the job store.
// It is safe for concurrent access and intended for tests and local development.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-jobqueue/internal/core"
	jobdomain "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

var (
	_ core.JobStore           = (*Store)(nil)
	_ core.WatchdogRepository = (*Store)(nil)
)

type record struct {
	job      model.Job
	state    model.JobState
	seq      int64
	deps     []string
	original string
	related  []model.RelatedEntity
}

// Options configures a Store.
type Options struct {
	// Now overrides the clock used for ExecuteAfter and age comparisons.
	Now func() time.Time
}

// Store keeps jobs in maps guarded by a single RWMutex.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	seq        int64
	jobs       map[string]*record
	retries    map[string][]string // root id → retry ids in creation order
	dependents map[string][]string // dependency id → ids of jobs waiting on it
}

// New returns a new empty Store.
func New(opts ...Options) *Store {
	s := &Store{
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[string]*record),
		retries:    make(map[string][]string),
		dependents: make(map[string][]string),
	}
	if len(opts) > 0 && opts[0].Now != nil {
		s.now = opts[0].Now
	}
	return s
}

// Create implements core.JobStore. Jobs get sequence numbers in the order
// given; dependency edges are linked once every row exists.
func (s *Store) Create(_ context.Context, jobs ...*model.Job) error {
	if err := model.ValidateNewJobs(jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inBatch := make(map[*model.Job]struct{}, len(jobs))
	for _, job := range jobs {
		inBatch[job] = struct{}{}
	}
	for i, job := range jobs {
		for _, d := range job.Dependencies() {
			if _, ok := inBatch[d]; ok {
				continue
			}
			if _, ok := s.jobs[d.ID]; !ok {
				return apperrors.ForeignKey("dependency must be persisted before the dependent job")
			}
		}
		if job.IsRetryJob() {
			if _, ok := s.jobs[job.OriginalJob().ID]; !ok {
				return apperrors.ForeignKey("original job does not exist")
			}
			continue
		}
		if s.activeKeyTaken(job.Command, job.Args, job.State()) || activeKeyRepeated(jobs[:i], job) {
			return apperrors.Conflict("an active job with the same command and arguments already exists")
		}
	}

	for _, job := range jobs {
		original := ""
		if job.IsRetryJob() {
			original = job.OriginalJob().ID
		}
		s.insert(job, original)
	}
	for _, job := range jobs {
		s.link(job.ID, job.DependencyIDs())
	}
	return nil
}

// activeKeyRepeated reports whether an earlier batch member is an active root
// with the same command and arguments as job.
func activeKeyRepeated(earlier []*model.Job, job *model.Job) bool {
	if job.State().IsFinal() {
		return false
	}
	for _, other := range earlier {
		if !other.IsRetryJob() && !other.State().IsFinal() &&
			other.Command == job.Command && slices.Equal(other.Args, job.Args) {
			return true
		}
	}
	return false
}

func (s *Store) activeKeyTaken(command string, args []string, state model.JobState) bool {
	if state.IsFinal() {
		return false
	}
	for _, rec := range s.jobs {
		if rec.original == "" && !rec.state.IsFinal() &&
			rec.job.Command == command && slices.Equal(rec.job.Args, args) {
			return true
		}
	}
	return false
}

func (s *Store) insert(job *model.Job, original string) {
	s.seq++
	job.ID = uuid.NewString()
	if job.Queue == "" {
		job.Queue = model.DefaultQueue
	}
	if job.Args == nil {
		job.Args = []string{}
	}

	rec := &record{
		state:    job.State(),
		seq:      s.seq,
		original: original,
		related:  job.RelatedEntities(),
	}
	copyFields(&rec.job, job)
	s.jobs[job.ID] = rec

	if original != "" {
		s.retries[original] = append(s.retries[original], job.ID)
	}
}

// link records that id waits on depIDs.
func (s *Store) link(id string, depIDs []string) {
	if len(depIDs) == 0 {
		return
	}
	rec := s.jobs[id]
	rec.deps = append(rec.deps, depIDs...)
	for _, dep := range depIDs {
		s.dependents[dep] = append(s.dependents[dep], id)
	}
}

// GetByID implements core.JobStore.
func (s *Store) GetByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return s.load(id), nil
}

// GetByKey implements core.JobStore.
func (s *Store) GetByKey(_ context.Context, command string, args []string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := s.latest(func(rec *record) bool {
		return rec.original == "" && rec.job.Command == command && slices.Equal(rec.job.Args, args)
	})
	if id == "" {
		return nil, apperrors.NotFoundf("found no job for command %q", command)
	}
	return s.load(id), nil
}

// FindByRelatedEntity implements core.JobStore.
func (s *Store) FindByRelatedEntity(
	_ context.Context,
	command string,
	entity model.RelatedEntity,
) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := s.latest(func(rec *record) bool {
		return rec.job.Command == command && slices.Contains(rec.related, entity)
	})
	if id == "" {
		return nil, apperrors.NotFoundf("found no job for command %q and %s %s", command, entity.Type, entity.ID)
	}
	return s.load(id), nil
}

func (s *Store) latest(match func(*record) bool) string {
	var (
		bestID  string
		bestSeq int64
	)
	for id, rec := range s.jobs {
		if match(rec) && rec.seq > bestSeq {
			bestID, bestSeq = id, rec.seq
		}
	}
	return bestID
}

// FindPending implements core.JobStore.
func (s *Store) FindPending(_ context.Context, filter model.PendingJobFilter) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var best *record
	for _, rec := range s.jobs {
		if rec.state != model.JobStatePending {
			continue
		}
		if rec.job.ExecuteAfter != nil && rec.job.ExecuteAfter.After(now) {
			continue
		}
		if !filter.Admits(&rec.job) {
			continue
		}
		if best == nil || rec.job.Priority > best.job.Priority ||
			(rec.job.Priority == best.job.Priority && rec.seq < best.seq) {
			best = rec
		}
	}
	if best == nil {
		return nil, model.ErrNoJobsAvailable
	}
	return s.load(best.job.ID), nil
}

// FindDependents implements core.JobStore.
func (s *Store) FindDependents(_ context.Context, id string) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Clone(s.dependents[id])
	s.sortBySeq(ids)
	out := make([]*model.Job, 0, len(ids))
	for _, depID := range ids {
		out = append(out, s.load(depID))
	}
	return out, nil
}

// Claim implements core.JobStore.
func (s *Store) Claim(_ context.Context, job *model.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[job.ID]
	if !ok {
		return false, apperrors.NotFoundf("job %s not found", job.ID)
	}
	if rec.state != model.JobStatePending {
		return false, nil
	}

	rec.state = model.JobStateRunning
	if rec.job.StartedAt == nil {
		rec.job.StartedAt = cloneTime(job.StartedAt)
	}
	rec.job.WorkerName = job.WorkerName
	return true, nil
}

// ApplyStateChanges implements core.JobStore.
func (s *Store) ApplyStateChanges(_ context.Context, changes []core.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range changes {
		if err := s.checkChange(ch); err != nil {
			return err
		}
	}
	for _, ch := range changes {
		s.writeBack(ch.Job)
	}
	return nil
}

func (s *Store) checkChange(ch core.StateChange) error {
	rec, ok := s.jobs[ch.Job.ID]
	if !ok {
		return apperrors.NotFoundf("job %s not found", ch.Job.ID)
	}
	if ch.RequireFrom && rec.state != ch.From {
		return apperrors.ConcurrencyConflictf("job %s is %s, expected %s", ch.Job.ID, rec.state, ch.From)
	}
	if !ch.RequireFrom && rec.state.IsFinal() {
		return apperrors.ConcurrencyConflictf("job %s is already %s", ch.Job.ID, rec.state)
	}
	return nil
}

func (s *Store) writeBack(job *model.Job) {
	rec := s.jobs[job.ID]
	rec.state = job.State()
	rec.job.StartedAt = cloneTime(job.StartedAt)
	rec.job.CheckedAt = cloneTime(job.CheckedAt)
	rec.job.ClosedAt = cloneTime(job.ClosedAt)
	rec.job.Output = job.Output
	rec.job.ErrorOutput = job.ErrorOutput
	rec.job.WorkerName = job.WorkerName
	if job.ExitCode != nil {
		code := *job.ExitCode
		rec.job.ExitCode = &code
	}
}

// CreateRetry implements core.JobStore.
func (s *Store) CreateRetry(_ context.Context, params core.CreateRetryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.jobs[params.Root.ID]
	if !ok {
		return apperrors.NotFoundf("job %s not found", params.Root.ID)
	}
	if len(s.retries[params.Root.ID]) >= root.job.MaxRetries {
		return core.ErrRetryBudgetExhausted
	}
	if params.Attempt != nil {
		if err := s.checkChange(*params.Attempt); err != nil {
			return err
		}
		s.writeBack(params.Attempt.Job)
	}

	s.insert(params.Retry, params.Root.ID)
	return nil
}

// Touch implements core.JobStore.
func (s *Store) Touch(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	rec.job.CheckedAt = &at
	return true, nil
}

// Stats implements core.JobStore.
func (s *Store) Stats(_ context.Context, queue string) (model.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(model.JobStats, len(model.AllJobStates))
	for _, st := range model.AllJobStates {
		stats[st] = 0
	}
	for _, rec := range s.jobs {
		if queue == "" || rec.job.Queue == queue {
			stats[rec.state]++
		}
	}
	return stats, nil
}

// List implements core.JobStore. Jobs are returned newest first.
func (s *Store) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.collect(func(rec *record) bool {
		if opts.State != nil && rec.state != *opts.State {
			return false
		}
		return opts.Queue == "" || rec.job.Queue == opts.Queue
	})
	slices.Reverse(ids)
	return s.page(ids, opts.Offset, opts.Limit), nil
}

// FindStalledJobs implements core.WatchdogRepository.
func (s *Store) FindStalledJobs(_ context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.collect(func(rec *record) bool {
		if rec.state != model.JobStateRunning || len(s.retries[rec.job.ID]) > 0 {
			return false
		}
		return jobdomain.LastSeen(&rec.job).Before(cutoff)
	})
	return s.page(ids, 0, limit), nil
}

// FindExpiredPendingJobs implements core.WatchdogRepository.
func (s *Store) FindExpiredPendingJobs(_ context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.collect(func(rec *record) bool {
		return rec.original == "" && rec.state == model.JobStatePending && rec.job.CreatedAt.Before(cutoff)
	})
	return s.page(ids, 0, limit), nil
}

// DeleteClosedJobs implements core.WatchdogRepository.
func (s *Store) DeleteClosedJobs(_ context.Context, params core.DeleteClosedJobsParams) (int64, error) {
	if !params.State.IsFinal() {
		return 0, apperrors.Validationf("cannot delete jobs in non-final state %s", params.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-params.MaxAge)
	ids := s.collect(func(rec *record) bool {
		if rec.original != "" || rec.state != params.State {
			return false
		}
		if rec.job.ClosedAt == nil || !rec.job.ClosedAt.Before(cutoff) {
			return false
		}
		for _, depID := range s.dependents[rec.job.ID] {
			if !s.jobs[depID].state.IsFinal() {
				return false
			}
		}
		return true
	})
	if params.BatchSize > 0 && len(ids) > params.BatchSize {
		ids = ids[:params.BatchSize]
	}

	var deleted int64
	for _, id := range ids {
		for _, retryID := range s.retries[id] {
			s.remove(retryID)
		}
		delete(s.retries, id)
		s.remove(id)
		deleted++
	}
	return deleted, nil
}

func (s *Store) remove(id string) {
	rec, ok := s.jobs[id]
	if !ok {
		return
	}
	for _, dep := range rec.deps {
		s.dependents[dep] = slices.DeleteFunc(s.dependents[dep], func(x string) bool { return x == id })
	}
	for _, src := range s.dependents[id] {
		if other, ok := s.jobs[src]; ok {
			other.deps = slices.DeleteFunc(other.deps, func(x string) bool { return x == id })
		}
	}
	delete(s.dependents, id)
	delete(s.jobs, id)
}

// collect returns matching ids in creation order.
func (s *Store) collect(match func(*record) bool) []string {
	ids := make([]string, 0)
	for id, rec := range s.jobs {
		if match(rec) {
			ids = append(ids, id)
		}
	}
	s.sortBySeq(ids)
	return ids
}

func (s *Store) page(ids []string, offset, limit int) []*model.Job {
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.load(id))
	}
	return out
}

func (s *Store) sortBySeq(ids []string) {
	sort.Slice(ids, func(i, k int) bool {
		return s.jobs[ids[i]].seq < s.jobs[ids[k]].seq
	})
}

// load hydrates id with its graph. The caller must hold the lock.
func (s *Store) load(id string) *model.Job {
	rec := s.jobs[id]
	if rec.original == "" {
		return s.loadRoot(id)
	}
	root := s.loadRoot(rec.original)
	for _, r := range root.RetryJobs() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) loadRoot(id string) *model.Job {
	rec := s.jobs[id]
	root := s.build(rec)

	retries := make([]*model.Job, 0, len(s.retries[id]))
	for _, retryID := range s.retries[id] {
		retryRec := s.jobs[retryID]
		retry := s.build(retryRec)
		retry.Hydrate(retryRec.state, model.Relations{RelatedEntities: retryRec.related})
		retries = append(retries, retry)
	}

	deps := make([]*model.Job, 0, len(rec.deps))
	for _, depID := range rec.deps {
		depRec := s.jobs[depID]
		dep := s.build(depRec)
		dep.Hydrate(depRec.state, model.Relations{})
		deps = append(deps, dep)
	}

	root.Hydrate(rec.state, model.Relations{
		Dependencies:    deps,
		RetryJobs:       retries,
		RelatedEntities: rec.related,
	})
	return root
}

func (s *Store) build(rec *record) *model.Job {
	j := &model.Job{}
	copyFields(j, &rec.job)
	return j
}

func copyFields(dst, src *model.Job) {
	dst.ID = src.ID
	dst.Command = src.Command
	dst.Args = slices.Clone(src.Args)
	dst.Queue = src.Queue
	dst.Priority = src.Priority
	dst.MaxRetries = src.MaxRetries
	dst.WorkerName = src.WorkerName
	dst.Output = src.Output
	dst.ErrorOutput = src.ErrorOutput
	dst.CreatedAt = src.CreatedAt
	dst.StartedAt = cloneTime(src.StartedAt)
	dst.CheckedAt = cloneTime(src.CheckedAt)
	dst.ClosedAt = cloneTime(src.ClosedAt)
	dst.ExecuteAfter = cloneTime(src.ExecuteAfter)
	if src.ExitCode != nil {
		code := *src.ExitCode
		dst.ExitCode = &code
	} else {
		dst.ExitCode = nil
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
