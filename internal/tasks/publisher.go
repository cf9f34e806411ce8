package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/fleetrunner/internal/queue/broker"
	"github.com/geocoder89/fleetrunner/internal/queue/worker"
)

type OutboxStore interface {
	DrainBatch(ctx context.Context, batch int) ([]string, error)
	SweepStaleSent(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// Publisher drains the outbox on each PUBLISH_OUTBOX tick. The database
// commit (inside DrainBatch) strictly precedes the broker enqueue, so a
// crash in between leaves at worst a SENT row with no task. With
// ResendAfter > 0 the sweep rescues those rows.
type Publisher struct {
	store  OutboxStore
	broker Enqueuer
	log    *slog.Logger

	BatchSize   int
	ResendAfter time.Duration
}

func NewPublisher(store OutboxStore, b Enqueuer, log *slog.Logger) *Publisher {
	return &Publisher{
		store:     store,
		broker:    b,
		log:       log,
		BatchSize: 200,
	}
}

func (p *Publisher) Handle(ctx context.Context, t broker.Task) (worker.Outcome, error) {
	if p.ResendAfter > 0 {
		rescued, err := p.store.SweepStaleSent(ctx, p.ResendAfter)

		if err != nil {
			return worker.Done(), err
		}

		if rescued > 0 {
			p.log.Warn("rescued stale outbox events", "count", rescued)
		}
	}

	jobIDs, err := p.store.DrainBatch(ctx, p.BatchSize)

	if err != nil {
		return worker.Done(), err
	}

	var firstErr error

	for _, jobID := range jobIDs {
		err := p.broker.Enqueue(ctx, TaskPlanJob, PlanJobPayload{JobID: jobID})

		if err != nil {
			// the row is already SENT; the sweep is the recovery path
			p.log.Error("plan_job enqueue lost", "job_id", jobID, "err", err)

			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		p.log.Info("outbox event published", "job_id", jobID)
	}

	return worker.Done(), firstErr
}
