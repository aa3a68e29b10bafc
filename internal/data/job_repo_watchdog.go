package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

// FindStalledJobs returns running jobs whose last heartbeat is older than
// cutoff. Roots that already spawned retry attempts are skipped: their
// attempts carry the liveness.
func (r *JobRepo) FindStalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	return r.findMany(ctx, `
		SELECT j.id::text
		FROM jobs j
		WHERE j.state = 'running'
		  AND COALESCE(j.checked_at, j.started_at, j.created_at) < $1
		  AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.original_job_id = j.id)
		ORDER BY j.seq
		LIMIT $2
	`, cutoff.UTC(), limitOrAll(limit))
}

// FindExpiredPendingJobs returns pending root jobs created before cutoff.
func (r *JobRepo) FindExpiredPendingJobs(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	return r.findMany(ctx, `
		SELECT id::text
		FROM jobs
		WHERE state = 'pending' AND created_at < $1 AND original_job_id IS NULL
		ORDER BY seq
		LIMIT $2
	`, cutoff.UTC(), limitOrAll(limit))
}

func (r *JobRepo) findMany(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ids, err := queryIDs(ctx, conn, query, args...)
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

// limitOrAll turns a non-positive limit into NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// DeleteClosedJobs deletes root jobs in params.State closed longer than
// params.MaxAge ago, unless an open job still depends on them. Retry
// attempts, dependency edges and tags go with them through cascading keys.
// A non-positive BatchSize deletes every match. Uses an advisory lock so
// concurrent watchdogs do not delete the same batch.
func (r *JobRepo) DeleteClosedJobs(ctx context.Context, params core.DeleteClosedJobsParams) (int64, error) {
	if !params.State.IsFinal() {
		return 0, apperrors.Validationf("cannot delete jobs in non-final state %s", params.State)
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockWatchdogMajor, advisoryLockWatchdogDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-params.MaxAge)
			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT j.id FROM jobs j
					WHERE j.original_job_id IS NULL
					  AND j.state = $1
					  AND j.closed_at < $2
					  AND NOT EXISTS (
						SELECT 1
						FROM job_dependencies d
						JOIN jobs s ON s.id = d.source_job_id
						WHERE d.dest_job_id = j.id
						  AND s.state IN ('pending', 'running')
					  )
					ORDER BY j.closed_at
					LIMIT $3
				)
			`, string(params.State), cutoff.UTC(), limitOrAll(params.BatchSize))
			if err != nil {
				return fmt.Errorf("delete closed jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	if rowsAffected > 0 && r.logger != nil {
		r.logger.InfoContext(ctx, "deleted closed jobs", "state", params.State, "count", rowsAffected)
	}
	return rowsAffected, nil
}
