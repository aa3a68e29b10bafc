package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

const defaultListLimit = 50

type jobRowScanner interface {
	Scan(dest ...any) error
}

// jobRow is one row of the jobs table before its graph is attached.
type jobRow struct {
	job        model.Job
	state      string
	args       []byte
	originalID *string
	seq        int64
}

func (r *jobRow) scan(s jobRowScanner) error {
	if err := s.Scan(
		&r.job.ID,
		&r.job.Command,
		&r.args,
		&r.state,
		&r.job.Queue,
		&r.job.Priority,
		&r.job.MaxRetries,
		&r.originalID,
		&r.job.WorkerName,
		&r.job.Output,
		&r.job.ErrorOutput,
		&r.job.ExitCode,
		&r.job.ExecuteAfter,
		&r.job.CreatedAt,
		&r.job.StartedAt,
		&r.job.CheckedAt,
		&r.job.ClosedAt,
		&r.seq,
	); err != nil {
		return err
	}

	r.job.Args = []string{}
	if len(r.args) > 0 {
		if err := json.Unmarshal(r.args, &r.job.Args); err != nil {
			return fmt.Errorf("decode args of job %s: %w", r.job.ID, err)
		}
	}
	r.job.CreatedAt = r.job.CreatedAt.UTC()
	r.job.ExecuteAfter = utcPtr(r.job.ExecuteAfter)
	r.job.StartedAt = utcPtr(r.job.StartedAt)
	r.job.CheckedAt = utcPtr(r.job.CheckedAt)
	r.job.ClosedAt = utcPtr(r.job.ClosedAt)
	return nil
}

// detach returns a fresh job carrying the row's columns and state but no graph.
func (r *jobRow) detach(rel model.Relations) *model.Job {
	j := r.job
	j.Hydrate(model.JobState(r.state), rel)
	return &j
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func collectRows(rows pgx.Rows) ([]*jobRow, error) {
	defer rows.Close()

	var out []*jobRow
	for rows.Next() {
		row := &jobRow{}
		if err := row.scan(rows); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func queryRows(ctx context.Context, q pgxutil.Querier, query string, args ...any) ([]*jobRow, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func queryRow(ctx context.Context, q pgxutil.Querier, query string, args ...any) (*jobRow, error) {
	rows, err := queryRows(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pgx.ErrNoRows
	}
	return rows[0], nil
}

// load returns job id with its graph: dependencies one level deep, retry
// attempts for a root, the loaded root for a retry attempt.
func (r *JobRepo) load(ctx context.Context, q pgxutil.Querier, id string) (*model.Job, error) {
	row, err := queryRow(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if row.originalID == nil {
		return r.loadRoot(ctx, q, row)
	}

	rootRow, err := queryRow(ctx, q, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, *row.originalID)
	if err != nil {
		return nil, fmt.Errorf("load original job: %w", err)
	}
	root, err := r.loadRoot(ctx, q, rootRow)
	if err != nil {
		return nil, err
	}
	for _, retry := range root.RetryJobs() {
		if retry.ID == id {
			return retry, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *JobRepo) loadRoot(ctx context.Context, q pgxutil.Querier, row *jobRow) (*model.Job, error) {
	deps, err := queryRows(ctx, q, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id IN (SELECT dest_job_id FROM job_dependencies WHERE source_job_id = $1)
		ORDER BY seq
	`, row.job.ID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}

	retries, err := queryRows(ctx, q, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE original_job_id = $1
		ORDER BY seq
	`, row.job.ID)
	if err != nil {
		return nil, fmt.Errorf("load retry jobs: %w", err)
	}

	ids := make([]string, 0, len(retries)+1)
	ids = append(ids, row.job.ID)
	for _, rr := range retries {
		ids = append(ids, rr.job.ID)
	}
	related, err := loadRelatedEntities(ctx, q, ids)
	if err != nil {
		return nil, err
	}

	depJobs := make([]*model.Job, 0, len(deps))
	for _, d := range deps {
		depJobs = append(depJobs, d.detach(model.Relations{}))
	}
	retryJobs := make([]*model.Job, 0, len(retries))
	for _, rr := range retries {
		retryJobs = append(retryJobs, rr.detach(model.Relations{RelatedEntities: related[rr.job.ID]}))
	}

	return row.detach(model.Relations{
		Dependencies:    depJobs,
		RetryJobs:       retryJobs,
		RelatedEntities: related[row.job.ID],
	}), nil
}

func loadRelatedEntities(ctx context.Context, q pgxutil.Querier, ids []string) (map[string][]model.RelatedEntity, error) {
	rows, err := q.Query(ctx, `
		SELECT job_id::text, entity_type, entity_id
		FROM job_related_entities
		WHERE job_id = ANY($1::text[]::uuid[])
		ORDER BY entity_type, entity_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load related entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.RelatedEntity, len(ids))
	for rows.Next() {
		var jobID string
		var re model.RelatedEntity
		if scanErr := rows.Scan(&jobID, &re.Type, &re.ID); scanErr != nil {
			return nil, fmt.Errorf("scan related entity: %w", scanErr)
		}
		out[jobID] = append(out[jobID], re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load related entities: %w", err)
	}
	return out, nil
}

// loadIDs hydrates each id in order.
func (r *JobRepo) loadIDs(ctx context.Context, q pgxutil.Querier, ids []string) ([]*model.Job, error) {
	out := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.load(ctx, q, id)
		if errors.Is(err, pgx.ErrNoRows) {
			// Deleted between the id query and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func queryIDs(ctx context.Context, q pgxutil.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, scanErr
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// findOne runs an id query expected to return at most one row and hydrates it.
func (r *JobRepo) findOne(ctx context.Context, notFound error, query string, args ...any) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ids, err := queryIDs(ctx, conn, query, args...)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return notFound
		}
		job, err = r.load(ctx, conn, ids[0])
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound
		}
		return err
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	notFound := apperrors.NotFoundf("job %s not found", id)
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound
	}
	return r.findOne(ctx, notFound, `SELECT id::text FROM jobs WHERE id = $1`, id)
}

// GetByKey returns the most recent root job with exactly this command and args.
func (r *JobRepo) GetByKey(ctx context.Context, command string, args []string) (*model.Job, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, apperrors.NotFoundf("found no job for command %q", command), `
		SELECT id::text
		FROM jobs
		WHERE command = $1
		  AND md5(args::text) = md5($2::jsonb::text)
		  AND args = $2::jsonb
		  AND original_job_id IS NULL
		ORDER BY seq DESC
		LIMIT 1
	`, command, string(encoded))
}

// FindByRelatedEntity returns the most recent job for command tagged with entity.
func (r *JobRepo) FindByRelatedEntity(
	ctx context.Context,
	command string,
	entity model.RelatedEntity,
) (*model.Job, error) {
	notFound := apperrors.NotFoundf("found no job for command %q and %s %s", command, entity.Type, entity.ID)
	return r.findOne(ctx, notFound, `
		SELECT j.id::text
		FROM jobs j
		JOIN job_related_entities re ON re.job_id = j.id
		WHERE j.command = $1
		  AND re.entity_type = $2
		  AND re.entity_id = $3
		ORDER BY j.seq DESC
		LIMIT 1
	`, command, entity.Type, entity.ID)
}

// FindPending returns the first runnable pending job by priority then creation order.
func (r *JobRepo) FindPending(ctx context.Context, filter model.PendingJobFilter) (*model.Job, error) {
	excluded := filter.ExcludedIDs
	if excluded == nil {
		excluded = []string{}
	}
	job, err := r.findOne(ctx, model.ErrNoJobsAvailable, `
		SELECT id::text
		FROM jobs
		WHERE state = 'pending'
		  AND (execute_after IS NULL OR execute_after <= $1)
		  AND NOT (id::text = ANY($2::text[]))
		  AND NOT (queue = ANY($3::text[]))
		  AND (cardinality($4::text[]) = 0 OR queue = ANY($4::text[]))
		ORDER BY priority DESC, seq
		LIMIT 1
	`, r.timeProvider.Now().UTC(), excluded, nonNil(filter.ExcludedQueues), nonNil(filter.RestrictedQueues))
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, model.ErrNoJobsAvailable
	}
	return job, err
}

// FindDependents returns the jobs that declared id as a dependency.
func (r *JobRepo) FindDependents(ctx context.Context, id string) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ids, err := queryIDs(ctx, conn, `
			SELECT j.id::text
			FROM jobs j
			JOIN job_dependencies d ON d.source_job_id = j.id
			WHERE d.dest_job_id = $1
			ORDER BY j.seq
		`, id)
		if err != nil {
			return err
		}
		jobs, err = r.loadIDs(ctx, conn, ids)
		return err
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// Stats counts jobs per state, optionally restricted to one queue.
func (r *JobRepo) Stats(ctx context.Context, queue string) (model.JobStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT state, count(*)
		FROM jobs
		WHERE $1 = '' OR queue = $1
		GROUP BY state
	`, queue)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("job stats: %w", err))
	}
	defer rows.Close()

	stats := make(model.JobStats, len(model.AllJobStates))
	for _, st := range model.AllJobStates {
		stats[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if scanErr := rows.Scan(&state, &n); scanErr != nil {
			return nil, fmt.Errorf("scan job stats: %w", scanErr)
		}
		stats[model.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("job stats: %w", err))
	}
	return stats, nil
}

// List returns jobs newest first.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(opts.Offset, 0)

	var state *string
	if opts.State != nil {
		s := string(*opts.State)
		state = &s
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ids, err := queryIDs(ctx, conn, `
			SELECT id::text
			FROM jobs
			WHERE ($1::text IS NULL OR state = $1)
			  AND ($2 = '' OR queue = $2)
			ORDER BY seq DESC
			LIMIT $3 OFFSET $4
		`, state, opts.Queue, limit, offset)
		if err != nil {
			return err
		}
		jobs, err = r.loadIDs(ctx, conn, ids)
		return err
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

func encodeArgs(args []string) ([]byte, error) {
	if args == nil {
		args = []string{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return b, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
