package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ExecutionsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewExecutionsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ExecutionsRepo {
	return &ExecutionsRepo{pool: pool, prom: prom}
}

func (repo *ExecutionsRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {
		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (repo *ExecutionsRepo) Get(ctx context.Context, id string) (execution.Execution, error) {
	var ex execution.Execution
	var status string
	var err error

	err = repo.observe("executions.get", func() error {
		return repo.pool.QueryRow(ctx, `
			SELECT id, job_id, host_id, status, attempts, created_at, started_at, finished_at
			FROM executions
			WHERE id = $1
		`, id).Scan(&ex.ID, &ex.JobID, &ex.HostID, &status, &ex.Attempts, &ex.CreatedAt, &ex.StartedAt, &ex.FinishedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return execution.Execution{}, execution.ErrNotFound
		}
		return execution.Execution{}, err
	}

	ex.Status = execution.Status(status)
	return ex, nil
}

// ClaimBatchForJob claims up to batch NEW executions of one job using the
// SKIP LOCKED pattern and flips them to QUEUED in the same statement. Safe to
// run concurrently: two planners never claim the same row.
func (repo *ExecutionsRepo) ClaimBatchForJob(ctx context.Context, jobID string, batch int) ([]string, error) {
	if batch <= 0 {
		batch = 200
	}

	var ids []string
	var err error

	op := "executions.claim_batch"

	err = repo.observe(op, func() error {
		rows, e := repo.pool.Query(ctx, `
			WITH next AS (
				SELECT id
				FROM executions
				WHERE job_id = $1 AND status = $2
				FOR UPDATE SKIP LOCKED
				LIMIT $3
			)
			UPDATE executions
			SET status = $4
			WHERE id IN (SELECT id FROM next)
			RETURNING id
		`, jobID, string(execution.StatusNew), batch, string(execution.StatusQueued))

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				return scanErr
			}
			ids = append(ids, id)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Start is the runner's critical transition: QUEUED -> RUNNING with the
// attempt counter bumped on the database side. A false return means another
// runner won the race; the caller must back off without touching the row.
func (repo *ExecutionsRepo) Start(ctx context.Context, id string) (bool, error) {
	var tag pgconn.CommandTag
	var err error

	op := "executions.start"

	err = repo.observe(op, func() error {
		var e error
		tag, e = repo.pool.Exec(ctx, `
			UPDATE executions
			SET status = $2, started_at = NOW(), attempts = attempts + 1
			WHERE id = $1 AND status = $3
		`, id, string(execution.StatusRunning), string(execution.StatusQueued))
		return e
	})

	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// MarkBlocked finishes a QUEUED execution as BLOCKED (run-time policy check)
// and appends the log line in the same transaction.
func (repo *ExecutionsRepo) MarkBlocked(ctx context.Context, id string, line string) (blocked bool, err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var tag pgconn.CommandTag

	err = repo.observe("executions.mark_blocked", func() error {
		var e error
		tag, e = tx.Exec(ctx, `
			UPDATE executions
			SET status = $2, finished_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, string(execution.StatusBlocked), string(execution.StatusQueued))
		return e
	})

	if err != nil {
		return
	}

	if tag.RowsAffected() > 0 {
		err = repo.observe("executions.mark_blocked.log", func() error {
			return appendLogTx(ctx, tx, id, line)
		})

		if err != nil {
			return
		}

		blocked = true
	}

	err = tx.Commit(ctx)
	return
}

// FinishSuccess completes RUNNING -> SUCCESS with a result log line.
func (repo *ExecutionsRepo) FinishSuccess(ctx context.Context, id string, line string) (err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = repo.observe("executions.finish_success", func() error {
		_, e := tx.Exec(ctx, `
			UPDATE executions
			SET status = $2, finished_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, string(execution.StatusSuccess), string(execution.StatusRunning))
		return e
	})

	if err != nil {
		return
	}

	err = repo.observe("executions.finish_success.log", func() error {
		return appendLogTx(ctx, tx, id, line)
	})

	if err != nil {
		return
	}

	return tx.Commit(ctx)
}

// Requeue puts a RUNNING execution back to QUEUED for a broker-level retry
// and records why.
func (repo *ExecutionsRepo) Requeue(ctx context.Context, id string, line string) (err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = repo.observe("executions.requeue", func() error {
		_, e := tx.Exec(ctx, `
			UPDATE executions
			SET status = $2
			WHERE id = $1 AND status = $3
		`, id, string(execution.StatusQueued), string(execution.StatusRunning))
		return e
	})

	if err != nil {
		return
	}

	err = repo.observe("executions.requeue.log", func() error {
		return appendLogTx(ctx, tx, id, line)
	})

	if err != nil {
		return
	}

	return tx.Commit(ctx)
}

// FinishFailure finishes an execution as FAILED or TIMEOUT once retries are
// exhausted. Guarded against terminal states so a stale delivery can never
// resurrect a finished row.
func (repo *ExecutionsRepo) FinishFailure(ctx context.Context, id string, status execution.Status, line string) (err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = repo.observe("executions.finish_failure", func() error {
		_, e := tx.Exec(ctx, `
			UPDATE executions
			SET status = $2, finished_at = NOW()
			WHERE id = $1 AND status = ANY($3)
		`, id, string(status),
			[]string{string(execution.StatusQueued), string(execution.StatusRunning)})
		return e
	})

	if err != nil {
		return
	}

	err = repo.observe("executions.finish_failure.log", func() error {
		return appendLogTx(ctx, tx, id, line)
	})

	if err != nil {
		return
	}

	return tx.Commit(ctx)
}

// AppendLog writes one log line outside any state transition (e.g. the
// "host locked" contention note while the execution stays QUEUED).
func (repo *ExecutionsRepo) AppendLog(ctx context.Context, id string, line string) error {
	return repo.observe("executions.append_log", func() error {
		_, e := repo.pool.Exec(ctx, `
			INSERT INTO execution_logs (id, execution_id, line) VALUES ($1, $2, $3)
		`, uuid.NewString(), id, line)
		return e
	})
}

func appendLogTx(ctx context.Context, tx pgx.Tx, executionID, line string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO execution_logs (id, execution_id, line) VALUES ($1, $2, $3)
	`, uuid.NewString(), executionID, line)
	return err
}

func (repo *ExecutionsRepo) Logs(ctx context.Context, executionID string) ([]execution.LogLine, error) {
	var out []execution.LogLine
	var err error

	err = repo.observe("executions.logs", func() error {
		rows, e := repo.pool.Query(ctx, `
			SELECT execution_id, ts, line
			FROM execution_logs
			WHERE execution_id = $1
			ORDER BY ts ASC
		`, executionID)

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var l execution.LogLine
			if scanErr := rows.Scan(&l.ExecutionID, &l.TS, &l.Line); scanErr != nil {
				return scanErr
			}
			out = append(out, l)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// ExecutionWithHost is the executions-listing row, joined with the hostname
// the listing is ordered by.
type ExecutionWithHost struct {
	execution.Execution
	Hostname string `json:"hostname"`
}

func (repo *ExecutionsRepo) ListByJob(ctx context.Context, jobID string, status *execution.Status, limit, offset int) ([]ExecutionWithHost, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	q := `
		SELECT e.id, e.job_id, e.host_id, e.status, e.attempts, e.created_at, e.started_at, e.finished_at, h.hostname
		FROM executions e
		JOIN hosts h ON h.id = e.host_id
		WHERE e.job_id = $1
	`
	args := []any{jobID}

	if status != nil {
		q += ` AND e.status = $2`
		args = append(args, string(*status))
	}

	q += fmt.Sprintf(` ORDER BY h.hostname ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var out []ExecutionWithHost
	var err error

	err = repo.observe("executions.list_by_job", func() error {
		rows, e := repo.pool.Query(ctx, q, args...)
		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var row ExecutionWithHost
			var st string

			if scanErr := rows.Scan(
				&row.ID, &row.JobID, &row.HostID, &st, &row.Attempts,
				&row.CreatedAt, &row.StartedAt, &row.FinishedAt, &row.Hostname,
			); scanErr != nil {
				return scanErr
			}

			row.Status = execution.Status(st)
			out = append(out, row)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}
