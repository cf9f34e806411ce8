package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/geocoder89/fleetrunner/internal/agent"
	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/queue/broker"
	"github.com/geocoder89/fleetrunner/internal/queue/worker"
)

type RunnerStore interface {
	GetExecution(ctx context.Context, id string) (execution.Execution, error)
	JobCommand(ctx context.Context, jobID string) (job.CommandType, error)
	IsHostBlocked(ctx context.Context, hostID string, cmd job.CommandType) (bool, error)
	MarkBlocked(ctx context.Context, id, line string) (bool, error)
	StartExecution(ctx context.Context, id string) (bool, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	FinishSuccess(ctx context.Context, id, line string) error
	Requeue(ctx context.Context, id, line string) error
	FinishFailure(ctx context.Context, id string, status execution.Status, line string) error
	AppendLog(ctx context.Context, id, line string) error
}

// HostLock is a held per-host advisory lock.
type HostLock interface {
	Release(ctx context.Context)
}

type HostLocker interface {
	TryAcquire(ctx context.Context, hostID string) (HostLock, bool, error)
}

// Runner performs a single attempt of one execution. It is the only place
// that produces SUCCESS, FAILED, TIMEOUT and run-time BLOCKED, and the only
// place the attempt counter moves.
type Runner struct {
	store RunnerStore
	locks HostLocker
	agent agent.Agent
	log   *slog.Logger

	MaxRetries     int
	LockMaxRetries int
	Backoff        BackoffPolicy
}

func NewRunner(store RunnerStore, locks HostLocker, a agent.Agent, log *slog.Logger) *Runner {
	return &Runner{
		store: store,
		locks: locks,
		agent: a,
		log:   log,

		MaxRetries:     3,
		LockMaxRetries: 10,
		Backoff:        BackoffPolicy{Base: 2, Max: 30},
	}
}

func (r *Runner) Handle(ctx context.Context, t broker.Task) (worker.Outcome, error) {
	var payload RunExecutionPayload

	if err := json.Unmarshal(t.Payload, &payload); err != nil || payload.ExecutionID == "" {
		r.log.Error("malformed run_execution payload", "task_id", t.ID, "err", err)
		return worker.Done(), nil
	}

	id := payload.ExecutionID

	ex, err := r.store.GetExecution(ctx, id)

	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return worker.Done(), nil
		}
		return worker.Done(), err
	}

	// stale delivery: anything not QUEUED is either terminal or owned by
	// another runner
	if ex.Status != execution.StatusQueued {
		return worker.Done(), nil
	}

	cmd, err := r.store.JobCommand(ctx, ex.JobID)

	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return worker.Done(), nil
		}
		return worker.Done(), err
	}

	// policy may have changed since intake; re-check before touching the host
	blocked, err := r.store.IsHostBlocked(ctx, ex.HostID, cmd)

	if err != nil {
		return worker.Done(), err
	}

	if blocked {
		if _, err := r.store.MarkBlocked(ctx, id, "blocked by host policy"); err != nil {
			return worker.Done(), err
		}

		r.log.Info("execution blocked", "execution_id", id, "host_id", ex.HostID, "command_type", cmd)
		return worker.Done(), nil
	}

	lock, ok, err := r.locks.TryAcquire(ctx, ex.HostID)

	if err != nil {
		return worker.Done(), err
	}

	if !ok {
		// the execution stays QUEUED and attempts stays put; only the broker
		// retry counter moves
		if err := r.store.AppendLog(ctx, id, "host locked"); err != nil {
			return worker.Done(), err
		}

		if t.Retries < r.LockMaxRetries {
			return worker.RetryAfter(r.Backoff.Delay(t.Retries)), nil
		}

		err := r.store.FinishFailure(ctx, id, execution.StatusFailed, "host lock retries exhausted")
		return worker.Done(), err
	}

	defer lock.Release(ctx)

	started, err := r.store.StartExecution(ctx, id)

	if err != nil {
		return worker.Done(), err
	}

	if !started {
		// lost the QUEUED -> RUNNING race; the winner owns the row
		return worker.Done(), nil
	}

	if err := r.store.MarkJobRunning(ctx, ex.JobID); err != nil {
		return worker.Done(), err
	}

	result, runErr := r.agent.Run(ctx, ex.HostID, cmd, nil)

	if runErr != nil {
		return r.retryOrFinish(ctx, id, t.Retries, runErr)
	}

	if err := r.store.FinishSuccess(ctx, id, result.String()); err != nil {
		return worker.Done(), err
	}

	r.log.Info("execution succeeded", "execution_id", id, "host_id", ex.HostID)
	return worker.Done(), nil
}

func (r *Runner) retryOrFinish(ctx context.Context, id string, retriesDone int, runErr error) (worker.Outcome, error) {
	isTimeout := errors.Is(runErr, agent.ErrTimeout)

	if retriesDone < r.MaxRetries {
		if err := r.store.Requeue(ctx, id, runErr.Error()); err != nil {
			return worker.Done(), err
		}

		delay := r.Backoff.Delay(retriesDone)
		r.log.Warn("execution retry", "execution_id", id, "retries", retriesDone, "countdown", delay.Seconds(), "err", runErr)

		return worker.RetryAfter(delay), nil
	}

	final := execution.StatusFailed
	if isTimeout {
		final = execution.StatusTimeout
	}

	if err := r.store.FinishFailure(ctx, id, final, runErr.Error()); err != nil {
		return worker.Done(), err
	}

	r.log.Error("execution exhausted retries", "execution_id", id, "status", final, "err", runErr)
	return worker.Done(), nil
}
