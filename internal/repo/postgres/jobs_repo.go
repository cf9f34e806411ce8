package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/domain/outbox"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func (repo *JobsRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {
		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

// CreateFromWebhook runs the whole intake as one transaction: idempotency
// check on external_id, job insert, selector expansion into executions
// (BLOCKED at birth for blocked hosts), and the PLAN_JOB outbox row for
// auto-approved commands.
func (repo *JobsRepo) CreateFromWebhook(ctx context.Context, req job.CreateRequest) (jobID string, created bool, err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// 1) idempotent replay: same external_id, same job, no side effects

	err = repo.observe("jobs.intake.dedupe", func() error {
		return tx.QueryRow(ctx, `SELECT id FROM jobs WHERE external_id = $1`, req.ExternalID).Scan(&jobID)
	})

	if err == nil {
		return jobID, false, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return
	}

	// 2) insert the job

	var approval *job.ApprovalState

	if req.CommandType.RequiresApproval() {
		wait := job.ApprovalWait
		approval = &wait
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var selectorJSON []byte
	selectorJSON, err = json.Marshal(req.Selector)
	if err != nil {
		return
	}

	jobID = uuid.NewString()

	err = repo.observe("jobs.intake.insert_job", func() error {
		_, e := tx.Exec(ctx, `
			INSERT INTO jobs (id, external_id, selector, payload, command_type, status, approval_state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, jobID, req.ExternalID, selectorJSON, []byte(payload), string(req.CommandType),
			string(job.StatusNew), approval, time.Now().UTC())
		return e
	})

	if err != nil {
		// a concurrent webhook with the same external_id slipped past the
		// dedupe select; the unique index breaks the tie, replay the winner
		if IsUniqueViolation(err) {
			_ = tx.Rollback(ctx)

			err = repo.observe("jobs.intake.dedupe", func() error {
				return repo.pool.QueryRow(ctx, `SELECT id FROM jobs WHERE external_id = $1`, req.ExternalID).Scan(&jobID)
			})

			if err != nil {
				return
			}

			return jobID, false, nil
		}

		return
	}

	// 3) expand the selector into target host ids

	var hostIDs []string

	if req.Selector.All {
		err = repo.observe("jobs.intake.select_all_hosts", func() error {
			rows, e := tx.Query(ctx, `SELECT id FROM hosts`)
			if e != nil {
				return e
			}
			defer rows.Close()

			for rows.Next() {
				var id string
				if scanErr := rows.Scan(&id); scanErr != nil {
					return scanErr
				}
				hostIDs = append(hostIDs, id)
			}
			return rows.Err()
		})

		if err != nil {
			return
		}
	} else {
		found := make(map[string]string, len(req.Selector.Hostnames))

		err = repo.observe("jobs.intake.resolve_hostnames", func() error {
			rows, e := tx.Query(ctx, `SELECT hostname, id FROM hosts WHERE hostname = ANY($1)`, req.Selector.Hostnames)
			if e != nil {
				return e
			}
			defer rows.Close()

			for rows.Next() {
				var hostname, id string
				if scanErr := rows.Scan(&hostname, &id); scanErr != nil {
					return scanErr
				}
				found[hostname] = id
			}
			return rows.Err()
		})

		if err != nil {
			return
		}

		var missing []string

		// the selector may repeat a hostname; each host still gets exactly
		// one execution
		seen := make(map[string]bool, len(req.Selector.Hostnames))

		for _, hostname := range req.Selector.Hostnames {
			if seen[hostname] {
				continue
			}
			seen[hostname] = true

			id, ok := found[hostname]
			if !ok {
				missing = append(missing, hostname)
				continue
			}
			hostIDs = append(hostIDs, id)
		}

		if len(missing) > 0 {
			err = &host.MissingHostsError{Hostnames: missing}
			return
		}
	}

	// 4) hosts already blocked for this command start out BLOCKED

	blocked := make(map[string]bool)

	err = repo.observe("jobs.intake.blocked_hosts", func() error {
		rows, e := tx.Query(ctx, `
			SELECT host_id FROM host_command_blocks WHERE command_type = $1
		`, string(req.CommandType))
		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				return scanErr
			}
			blocked[id] = true
		}
		return rows.Err()
	})

	if err != nil {
		return
	}

	// 5) one execution per target host

	for _, hostID := range hostIDs {
		status := execution.StatusNew
		if blocked[hostID] {
			status = execution.StatusBlocked
		}

		err = repo.observe("jobs.intake.insert_execution", func() error {
			_, e := tx.Exec(ctx, `
				INSERT INTO executions (id, job_id, host_id, status, attempts, created_at)
				VALUES ($1, $2, $3, $4, 0, $5)
			`, uuid.NewString(), jobID, hostID, string(status), time.Now().UTC())
			return e
		})

		if err != nil {
			return
		}
	}

	// 6) auto-approved jobs hand off to the worker through the outbox,
	// committed together with everything above

	if approval == nil {
		err = repo.observe("jobs.intake.insert_outbox", func() error {
			return insertOutboxEvent(ctx, tx, jobID)
		})

		if err != nil {
			return
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		return
	}

	return jobID, true, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, jobID string) error {
	payload, err := json.Marshal(outbox.PlanJobPayload{JobID: jobID})
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_event (id, event_type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, uuid.NewString(), string(outbox.EventPlanJob), payload, string(outbox.StatusNew), time.Now().UTC())

	return err
}

// Approve flips WAIT_APPROVAL to APPROVED and emits the PLAN_JOB outbox event
// in the same transaction. Re-approving is a no-op with enqueued=false.
func (repo *JobsRepo) Approve(ctx context.Context, jobID string) (enqueued bool, err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var state *string

	err = repo.observe("jobs.approve.load", func() error {
		return tx.QueryRow(ctx, `SELECT approval_state FROM jobs WHERE id = $1`, jobID).Scan(&state)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = job.ErrNotFound
		}
		return
	}

	if state != nil && *state == string(job.ApprovalApproved) {
		return false, nil
	}

	if state == nil || *state != string(job.ApprovalWait) {
		err = job.ErrNotWaitingApproval
		return
	}

	var tag pgconn.CommandTag

	err = repo.observe("jobs.approve.update", func() error {
		var e error
		tag, e = tx.Exec(ctx, `
			UPDATE jobs SET approval_state = $2
			WHERE id = $1 AND approval_state = $3
		`, jobID, string(job.ApprovalApproved), string(job.ApprovalWait))
		return e
	})

	if err != nil {
		return
	}

	if tag.RowsAffected() == 0 {
		err = job.ErrNotWaitingApproval
		return
	}

	err = repo.observe("jobs.approve.insert_outbox", func() error {
		return insertOutboxEvent(ctx, tx, jobID)
	})

	if err != nil {
		return
	}

	err = tx.Commit(ctx)
	if err != nil {
		return
	}

	return true, nil
}

type RejectResult struct {
	AlreadyRejected bool
	Status          job.Status
	Cancelled       int64
}

// Reject marks the job REJECTED and FAILED, and cancels every execution that
// has not started yet. RUNNING and terminal executions are left alone.
func (repo *JobsRepo) Reject(ctx context.Context, jobID string) (res RejectResult, err error) {
	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var state *string
	var status string

	err = repo.observe("jobs.reject.load", func() error {
		return tx.QueryRow(ctx, `SELECT approval_state, status FROM jobs WHERE id = $1`, jobID).Scan(&state, &status)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = job.ErrNotFound
		}
		return
	}

	if state != nil && *state == string(job.ApprovalRejected) {
		return RejectResult{AlreadyRejected: true, Status: job.Status(status)}, nil
	}

	if state == nil || *state != string(job.ApprovalWait) {
		err = job.ErrNotWaitingApproval
		return
	}

	err = repo.observe("jobs.reject.update_job", func() error {
		_, e := tx.Exec(ctx, `
			UPDATE jobs SET approval_state = $2, status = $3 WHERE id = $1
		`, jobID, string(job.ApprovalRejected), string(job.StatusFailed))
		return e
	})

	if err != nil {
		return
	}

	err = repo.observe("jobs.reject.cancel_executions", func() error {
		tag, e := tx.Exec(ctx, `
			UPDATE executions SET status = $2
			WHERE job_id = $1 AND status = ANY($3)
		`, jobID, string(execution.StatusCancelled),
			[]string{string(execution.StatusNew), string(execution.StatusQueued)})

		if e != nil {
			return e
		}

		res.Cancelled = tag.RowsAffected()
		return nil
	})

	if err != nil {
		return
	}

	err = tx.Commit(ctx)
	if err != nil {
		return
	}

	res.Status = job.StatusFailed
	return res, nil
}

// MarkQueuedForPlanning is the planner's entry guard: it only succeeds for a
// NEW job that is auto-approved or APPROVED. A false return means the event
// was a duplicate or the job is not plannable; the planner treats it as a
// no-op.
func (repo *JobsRepo) MarkQueuedForPlanning(ctx context.Context, jobID string) (bool, error) {
	var tag pgconn.CommandTag
	var err error

	op := "jobs.mark_queued"

	err = repo.observe(op, func() error {
		var e error
		tag, e = repo.pool.Exec(ctx, `
			UPDATE jobs SET status = $2
			WHERE id = $1
			  AND status = $3
			  AND (approval_state IS NULL OR approval_state = $4)
		`, jobID, string(job.StatusQueued), string(job.StatusNew), string(job.ApprovalApproved))
		return e
	})

	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// MarkRunning advances QUEUED to RUNNING; already-RUNNING is a no-op.
func (repo *JobsRepo) MarkRunning(ctx context.Context, jobID string) error {
	return repo.observe("jobs.mark_running", func() error {
		_, e := repo.pool.Exec(ctx, `
			UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3
		`, jobID, string(job.StatusRunning), string(job.StatusQueued))
		return e
	})
}

func (repo *JobsRepo) CommandType(ctx context.Context, jobID string) (job.CommandType, error) {
	var cmd string
	var err error

	err = repo.observe("jobs.command_type", func() error {
		return repo.pool.QueryRow(ctx, `SELECT command_type FROM jobs WHERE id = $1`, jobID).Scan(&cmd)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", job.ErrNotFound
		}
		return "", err
	}

	return job.CommandType(cmd), nil
}

func (repo *JobsRepo) GetByID(ctx context.Context, jobID string) (job.Job, error) {
	var j job.Job
	var status, cmd string
	var state *string
	var err error

	err = repo.observe("jobs.get_by_id", func() error {
		return repo.pool.QueryRow(ctx, `
			SELECT id, external_id, signature, selector, payload, command_type, status, approval_state, created_at
			FROM jobs
			WHERE id = $1
		`, jobID).Scan(
			&j.ID, &j.ExternalID, &j.Signature, &j.Selector, &j.Payload,
			&cmd, &status, &state, &j.CreatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, err
	}

	j.CommandType = job.CommandType(cmd)
	j.Status = job.Status(status)

	if state != nil {
		s := job.ApprovalState(*state)
		j.ApprovalState = &s
	}

	return j, nil
}

// List returns jobs newest first.
func (repo *JobsRepo) List(ctx context.Context, limit, offset int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []job.Job
	var err error

	err = repo.observe("jobs.list", func() error {
		rows, e := repo.pool.Query(ctx, `
			SELECT id, external_id, command_type, status, approval_state, created_at
			FROM jobs
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2
		`, limit, offset)

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var j job.Job
			var cmd, status string
			var state *string

			if scanErr := rows.Scan(&j.ID, &j.ExternalID, &cmd, &status, &state, &j.CreatedAt); scanErr != nil {
				return scanErr
			}

			j.CommandType = job.CommandType(cmd)
			j.Status = job.Status(status)

			if state != nil {
				s := job.ApprovalState(*state)
				j.ApprovalState = &s
			}

			out = append(out, j)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return out, nil
}

// StatusCounts builds the execution status histogram the roll-up works from.
func (repo *JobsRepo) StatusCounts(ctx context.Context, jobID string) (map[execution.Status]int, error) {
	counts := make(map[execution.Status]int)
	var err error

	err = repo.observe("jobs.status_counts", func() error {
		rows, e := repo.pool.Query(ctx, `
			SELECT status, COUNT(*) FROM executions
			WHERE job_id = $1
			GROUP BY status
		`, jobID)

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var n int

			if scanErr := rows.Scan(&status, &n); scanErr != nil {
				return scanErr
			}

			counts[execution.Status(status)] = n
		}

		return rows.Err()
	})

	if err != nil {
		return nil, err
	}

	return counts, nil
}
