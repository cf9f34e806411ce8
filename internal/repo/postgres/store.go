package postgres

import (
	"context"
	"time"

	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories behind the method set the worker tasks
// consume, so the worker wiring hands one value around instead of four.
type Store struct {
	Hosts      *HostsRepo
	Jobs       *JobsRepo
	Executions *ExecutionsRepo
	Outbox     *OutboxRepo
	Locks      *HostLocks
}

func NewStore(pool *pgxpool.Pool, prom *observability.Prom) *Store {
	return &Store{
		Hosts:      NewHostsRepo(pool, prom),
		Jobs:       NewJobsRepo(pool, prom),
		Executions: NewExecutionsRepo(pool, prom),
		Outbox:     NewOutboxRepo(pool, prom),
		Locks:      NewHostLocks(pool),
	}
}

// Runner store surface

func (s *Store) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	return s.Executions.Get(ctx, id)
}

func (s *Store) JobCommand(ctx context.Context, jobID string) (job.CommandType, error) {
	return s.Jobs.CommandType(ctx, jobID)
}

func (s *Store) IsHostBlocked(ctx context.Context, hostID string, cmd job.CommandType) (bool, error) {
	return s.Hosts.IsBlocked(ctx, hostID, cmd)
}

func (s *Store) MarkBlocked(ctx context.Context, id, line string) (bool, error) {
	return s.Executions.MarkBlocked(ctx, id, line)
}

func (s *Store) StartExecution(ctx context.Context, id string) (bool, error) {
	return s.Executions.Start(ctx, id)
}

func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	return s.Jobs.MarkRunning(ctx, jobID)
}

func (s *Store) FinishSuccess(ctx context.Context, id, line string) error {
	return s.Executions.FinishSuccess(ctx, id, line)
}

func (s *Store) Requeue(ctx context.Context, id, line string) error {
	return s.Executions.Requeue(ctx, id, line)
}

func (s *Store) FinishFailure(ctx context.Context, id string, status execution.Status, line string) error {
	return s.Executions.FinishFailure(ctx, id, status, line)
}

func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	return s.Executions.AppendLog(ctx, id, line)
}

// Planner store surface

func (s *Store) MarkQueuedForPlanning(ctx context.Context, jobID string) (bool, error) {
	return s.Jobs.MarkQueuedForPlanning(ctx, jobID)
}

func (s *Store) ClaimBatchForJob(ctx context.Context, jobID string, batch int) ([]string, error) {
	return s.Executions.ClaimBatchForJob(ctx, jobID, batch)
}

// Publisher store surface

func (s *Store) DrainBatch(ctx context.Context, batch int) ([]string, error) {
	return s.Outbox.DrainBatch(ctx, batch)
}

func (s *Store) SweepStaleSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.Outbox.SweepStaleSent(ctx, olderThan)
}
