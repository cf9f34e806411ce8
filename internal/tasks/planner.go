package tasks

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/geocoder89/fleetrunner/internal/queue/broker"
	"github.com/geocoder89/fleetrunner/internal/queue/worker"
)

type PlannerStore interface {
	MarkQueuedForPlanning(ctx context.Context, jobID string) (bool, error)
	ClaimBatchForJob(ctx context.Context, jobID string, batch int) ([]string, error)
}

// Planner fans one plannable job out into RUN_EXECUTION tasks. Duplicate
// PLAN_JOB deliveries are no-ops: the job guard transitions NEW -> QUEUED at
// most once, and the skip-locked claim hands each execution to exactly one
// planner.
type Planner struct {
	store  PlannerStore
	broker Enqueuer
	log    *slog.Logger

	BatchSize int
}

func NewPlanner(store PlannerStore, b Enqueuer, log *slog.Logger) *Planner {
	return &Planner{
		store:     store,
		broker:    b,
		log:       log,
		BatchSize: 200,
	}
}

func (p *Planner) Handle(ctx context.Context, t broker.Task) (worker.Outcome, error) {
	var payload PlanJobPayload

	if err := json.Unmarshal(t.Payload, &payload); err != nil || payload.JobID == "" {
		p.log.Error("malformed plan_job payload", "task_id", t.ID, "err", err)
		return worker.Done(), nil
	}

	batch := payload.BatchSize
	if batch <= 0 {
		batch = p.BatchSize
	}

	ok, err := p.store.MarkQueuedForPlanning(ctx, payload.JobID)

	if err != nil {
		return worker.Done(), err
	}

	if !ok {
		// duplicate delivery, still waiting approval, or already planned
		p.log.Debug("job not plannable", "job_id", payload.JobID)
		return worker.Done(), nil
	}

	p.log.Info("job queued", "job_id", payload.JobID)

	var firstErr error

	for {
		ids, err := p.store.ClaimBatchForJob(ctx, payload.JobID, batch)

		if err != nil {
			return worker.Done(), err
		}

		if len(ids) == 0 {
			break
		}

		for _, executionID := range ids {
			err := p.broker.Enqueue(ctx, TaskRunExecution, RunExecutionPayload{ExecutionID: executionID})

			if err != nil {
				p.log.Error("run_execution enqueue lost", "job_id", payload.JobID, "execution_id", executionID, "err", err)

				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			p.log.Debug("execution dispatched", "job_id", payload.JobID, "execution_id", executionID)
		}
	}

	return worker.Done(), firstErr
}
