package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geocoder89/fleetrunner/internal/domain/outbox"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewOutboxRepo(pool *pgxpool.Pool, prom *observability.Prom) *OutboxRepo {
	return &OutboxRepo{pool: pool, prom: prom}
}

func (repo *OutboxRepo) observe(op string, fn func() error) error {
	if repo.prom != nil {
		return repo.prom.ObserveDB(op, fn)
	}
	return fn()
}

// DrainBatch claims up to batch NEW events oldest first under SKIP LOCKED,
// marks them SENT and commits, then returns the distinct job ids in
// first-seen order for the caller to enqueue PLAN_JOB tasks. The commit
// happens before any broker send: a crash after commit leaves a SENT row
// with no task (recoverable by the sweep), never a silent drop.
//
// An event whose payload cannot be parsed gets its attempts bumped and is
// left NEW until the ceiling, after which it is marked FAILED.
func (repo *OutboxRepo) DrainBatch(ctx context.Context, batch int) (jobIDs []string, err error) {
	if batch <= 0 {
		batch = 200
	}

	tx, err := repo.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	type claimed struct {
		id       string
		payload  []byte
		attempts int
	}

	var events []claimed

	err = repo.observe("outbox.claim", func() error {
		rows, e := tx.Query(ctx, `
			SELECT id, payload, attempts
			FROM outbox_event
			WHERE status = $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		`, string(outbox.StatusNew), batch)

		if e != nil {
			return e
		}
		defer rows.Close()

		for rows.Next() {
			var ev claimed
			if scanErr := rows.Scan(&ev.id, &ev.payload, &ev.attempts); scanErr != nil {
				return scanErr
			}
			events = append(events, ev)
		}

		return rows.Err()
	})

	if err != nil {
		return
	}

	seen := make(map[string]bool)
	now := time.Now().UTC()

	for _, ev := range events {
		var p outbox.PlanJobPayload

		parseErr := json.Unmarshal(ev.payload, &p)

		if parseErr != nil || p.JobID == "" {
			attempts := ev.attempts + 1
			status := outbox.StatusNew

			if attempts >= outbox.MaxAttempts {
				status = outbox.StatusFailed
			}

			err = repo.observe("outbox.mark_failed_attempt", func() error {
				_, e := tx.Exec(ctx, `
					UPDATE outbox_event SET attempts = $2, status = $3 WHERE id = $1
				`, ev.id, attempts, string(status))
				return e
			})

			if err != nil {
				return
			}

			continue
		}

		err = repo.observe("outbox.mark_sent", func() error {
			_, e := tx.Exec(ctx, `
				UPDATE outbox_event SET status = $2, sent_at = $3 WHERE id = $1
			`, ev.id, string(outbox.StatusSent), now)
			return e
		})

		if err != nil {
			return
		}

		if !seen[p.JobID] {
			seen[p.JobID] = true
			jobIDs = append(jobIDs, p.JobID)
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	return jobIDs, nil
}

// SweepStaleSent rescues events that were committed SENT but whose PLAN_JOB
// task was lost before the broker enqueue (crash window of the transactional
// outbox). An event is only rescued while its job still sits in NEW; once
// the planner has moved the job on, the task clearly arrived.
func (repo *OutboxRepo) SweepStaleSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	secs := int64(olderThan.Seconds())
	if secs <= 0 {
		return 0, nil
	}

	var rescued int64
	var err error

	err = repo.observe("outbox.sweep_stale_sent", func() error {
		tag, e := repo.pool.Exec(ctx, `
			UPDATE outbox_event o
			SET status = $1, sent_at = NULL
			WHERE o.status = $2
			  AND o.sent_at < NOW() - ($3 * INTERVAL '1 second')
			  AND EXISTS (
				SELECT 1 FROM jobs j
				WHERE j.id = (o.payload->>'job_id')::uuid AND j.status = $4
			  )
		`, string(outbox.StatusNew), string(outbox.StatusSent), secs, "NEW")

		if e != nil {
			return e
		}

		rescued = tag.RowsAffected()
		return nil
	})

	return rescued, err
}
