package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

const insertJobSQL = `
  INSERT INTO jobs (
    command, args, state, queue, priority, max_retries, original_job_id,
    worker_name, output, error_output, exit_code,
    execute_after, created_at, started_at, checked_at, closed_at
  )
  VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7::uuid, $8, $9, $10, $11, $12, $13, $14, $15, $16)
  RETURNING id::text`

// Create inserts jobs in the order given, then their dependency edges and
// notifications, all in one transaction. Dependencies may be persisted jobs or
// other members of the batch. IDs are only assigned once the transaction
// commits.
func (r *JobRepo) Create(ctx context.Context, jobs ...*model.Job) error {
	if err := model.ValidateNewJobs(jobs); err != nil {
		return err
	}

	ids := make(map[*model.Job]string, len(jobs))
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			for _, job := range jobs {
				var originalID *string
				if job.IsRetryJob() {
					id := job.OriginalJob().ID
					originalID = &id
				}
				id, insertErr := r.insertJob(ctx, tx, job, originalID)
				if insertErr != nil {
					return insertErr
				}
				ids[job] = id
			}

			queues := make(map[string]struct{})
			for _, job := range jobs {
				if depErr := insertDependencies(ctx, tx, ids[job], batchDependencyIDs(job, ids)); depErr != nil {
					return depErr
				}
				if job.State() == model.JobStatePending {
					queues[queueOf(job)] = struct{}{}
				}
			}
			for queue := range queues {
				if notifyErr := notifyQueue(ctx, tx, queue); notifyErr != nil {
					return notifyErr
				}
			}
			return nil
		},
	})
	if err != nil {
		return apperrors.MapDBError(err)
	}

	for _, job := range jobs {
		job.ID = ids[job]
		if job.Queue == "" {
			job.Queue = model.DefaultQueue
		}
		if r.logger != nil {
			r.logger.DebugContext(ctx, "job created", "job_id", job.ID, "command", job.Command, "queue", job.Queue)
		}
	}
	return nil
}

// batchDependencyIDs resolves job's dependencies to row ids, using the ids
// assigned inside the running transaction for batch members.
func batchDependencyIDs(job *model.Job, ids map[*model.Job]string) []string {
	deps := job.Dependencies()
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if id, ok := ids[dep]; ok {
			out = append(out, id)
			continue
		}
		out = append(out, dep.ID)
	}
	return out
}

func (r *JobRepo) insertJob(ctx context.Context, q pgxutil.Querier, job *model.Job, originalID *string) (string, error) {
	args, err := encodeArgs(job.Args)
	if err != nil {
		return "", err
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.timeProvider.Now()
	}

	var id string
	if err := q.QueryRow(ctx, insertJobSQL,
		job.Command,
		string(args),
		string(job.State()),
		queueOf(job),
		job.Priority,
		job.MaxRetries,
		originalID,
		job.WorkerName,
		job.Output,
		job.ErrorOutput,
		job.ExitCode,
		utcPtr(job.ExecuteAfter),
		createdAt.UTC(),
		utcPtr(job.StartedAt),
		utcPtr(job.CheckedAt),
		utcPtr(job.ClosedAt),
	).Scan(&id); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	for _, re := range job.RelatedEntities() {
		if _, err := q.Exec(ctx, `
			INSERT INTO job_related_entities (job_id, entity_type, entity_id)
			VALUES ($1::uuid, $2, $3)
			ON CONFLICT DO NOTHING
		`, id, re.Type, re.ID); err != nil {
			return "", fmt.Errorf("insert related entity: %w", err)
		}
	}
	return id, nil
}

func insertDependencies(ctx context.Context, q pgxutil.Querier, id string, depIDs []string) error {
	if len(depIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO job_dependencies (source_job_id, dest_job_id)
		SELECT $1::uuid, dep::uuid FROM unnest($2::text[]) AS dep
		ON CONFLICT DO NOTHING
	`, id, depIDs); err != nil {
		return fmt.Errorf("insert dependencies: %w", err)
	}
	return nil
}

func queueOf(job *model.Job) string {
	if job.Queue == "" {
		return model.DefaultQueue
	}
	return job.Queue
}

// notifyQueue wakes workers listening on JobAddedChannel. Notifications are
// delivered on commit.
func notifyQueue(ctx context.Context, q pgxutil.Querier, queue string) error {
	if _, err := q.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, JobAddedChannel, queue); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

// notifyDependents wakes the queues of pending jobs waiting on id.
func notifyDependents(ctx context.Context, q pgxutil.Querier, id string) error {
	if _, err := q.Exec(ctx, `
		SELECT pg_notify($1::text, s.queue)
		FROM (
			SELECT DISTINCT j.queue
			FROM jobs j
			JOIN job_dependencies d ON d.source_job_id = j.id
			WHERE d.dest_job_id = $2::uuid AND j.state = 'pending'
		) s
	`, JobAddedChannel, id); err != nil {
		return fmt.Errorf("notify dependents: %w", err)
	}
	return nil
}

// Claim moves job from pending to running unless another worker got there first.
func (r *JobRepo) Claim(ctx context.Context, job *model.Job) (bool, error) {
	startedAt := r.timeProvider.Now()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'running',
		    started_at = COALESCE(started_at, $2),
		    worker_name = $3
		WHERE id = $1 AND state = 'pending'
	`, job.ID, startedAt.UTC(), job.WorkerName)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("claim job: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, job.ID).
		Scan(&exists); err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("check job: %w", err))
	}
	if !exists {
		return false, apperrors.NotFoundf("job %s not found", job.ID)
	}
	return false, nil
}

// ApplyStateChanges writes every change in one transaction; the first failed
// guard rolls them all back.
func (r *JobRepo) ApplyStateChanges(ctx context.Context, changes []core.StateChange) error {
	if len(changes) == 0 {
		return nil
	}
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			for _, ch := range changes {
				if err := updateState(ctx, tx, ch); err != nil {
					return err
				}
			}
			for _, ch := range changes {
				if ch.Job.State() == model.JobStateFinished {
					if err := notifyDependents(ctx, tx, ch.Job.ID); err != nil {
						return err
					}
				}
			}
			return nil
		},
	})
	return apperrors.MapDBError(err)
}

const updateStateSQL = `
  UPDATE jobs
  SET state = $2,
      started_at = $3,
      checked_at = $4,
      closed_at = $5,
      output = $6,
      error_output = $7,
      worker_name = $8,
      exit_code = COALESCE($9, exit_code)
  WHERE id = $1`

func updateState(ctx context.Context, q pgxutil.Querier, ch core.StateChange) error {
	job := ch.Job
	args := []any{
		job.ID,
		string(job.State()),
		utcPtr(job.StartedAt),
		utcPtr(job.CheckedAt),
		utcPtr(job.ClosedAt),
		job.Output,
		job.ErrorOutput,
		job.WorkerName,
		job.ExitCode,
	}

	query := updateStateSQL
	if ch.RequireFrom {
		query += ` AND state = $10`
		args = append(args, string(ch.From))
	} else {
		query += ` AND state IN ('pending', 'running')`
	}

	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFoundf("job %s not found", job.ID)
	}
	if err != nil {
		return fmt.Errorf("read job state: %w", err)
	}
	if ch.RequireFrom {
		return apperrors.ConcurrencyConflictf("job %s is %s, expected %s", job.ID, current, ch.From)
	}
	return apperrors.ConcurrencyConflictf("job %s is already %s", job.ID, current)
}

// CreateRetry locks the root, re-checks its retry budget and persists the
// attempt update and the new retry job together.
func (r *JobRepo) CreateRetry(ctx context.Context, params core.CreateRetryParams) error {
	if params.Root == nil || params.Retry == nil {
		return apperrors.Validation("root and retry jobs are required")
	}
	if params.Retry.IsPersisted() {
		return apperrors.LogicViolation("retry job is already persisted")
	}

	rootID := params.Root.ID
	var id string
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var maxRetries, attempts int
			err := tx.QueryRow(ctx, `
				SELECT max_retries, (SELECT count(*) FROM jobs WHERE original_job_id = $1)
				FROM jobs
				WHERE id = $1
				FOR UPDATE
			`, rootID).Scan(&maxRetries, &attempts)
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NotFoundf("job %s not found", rootID)
			}
			if err != nil {
				return fmt.Errorf("lock original job: %w", err)
			}
			if attempts >= maxRetries {
				return core.ErrRetryBudgetExhausted
			}

			if params.Attempt != nil {
				if err := updateState(ctx, tx, *params.Attempt); err != nil {
					return err
				}
			}

			id, err = r.insertJob(ctx, tx, params.Retry, &rootID)
			if err != nil {
				return err
			}
			return notifyQueue(ctx, tx, queueOf(params.Retry))
		},
	})
	if err != nil {
		return apperrors.MapDBError(err)
	}

	params.Retry.ID = id
	if params.Retry.Queue == "" {
		params.Retry.Queue = model.DefaultQueue
	}
	return nil
}

// Touch records a heartbeat for id.
func (r *JobRepo) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET checked_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("touch job: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// WaitForNotification blocks until a job may have become runnable on queue,
// or on any queue when queue is domainjob.AnyQueue.
func (r *JobRepo) WaitForNotification(ctx context.Context, queue string) error {
	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		quoted := pgx.Identifier{JobAddedChannel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", JobAddedChannel, err)
		}
		defer func() {
			if _, err := conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+quoted); err != nil && r.logger != nil {
				r.logger.Warn("unlisten failed", "channel", JobAddedChannel, "error", err)
			}
		}()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				return err
			}
			if queue == domainjob.AnyQueue || n.Payload == queue {
				return nil
			}
		}
	})
}
