package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/geocoder89/fleetrunner/internal/agent"
	"github.com/geocoder89/fleetrunner/internal/config"
	"github.com/geocoder89/fleetrunner/internal/db"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/geocoder89/fleetrunner/internal/queue/broker"
	"github.com/geocoder89/fleetrunner/internal/queue/redisclient"
	"github.com/geocoder89/fleetrunner/internal/queue/worker"
	"github.com/geocoder89/fleetrunner/internal/repo/postgres"
	"github.com/geocoder89/fleetrunner/internal/tasks"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// hostLocker adapts the postgres advisory locks to the interface the runner
// consumes (a nil *HostLock must not leak into a non-nil interface).
type hostLocker struct {
	locks *postgres.HostLocks
}

func (l hostLocker) TryAcquire(ctx context.Context, hostID string) (tasks.HostLock, bool, error) {
	lock, ok, err := l.locks.TryAcquire(ctx, hostID)

	if err != nil || !ok {
		return nil, false, err
	}

	return lock, true, nil
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	pool, err := db.NewPool(cfg.PostgresURL)

	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	defer pool.Close()

	rc, err := redisclient.New(cfg.RedisURL)

	if err != nil {
		log.Error("redis connect failed", "err", err)
		os.Exit(1)
	}

	defer rc.Close()

	if err := rc.Ping(ctx); err != nil {
		log.Error("redis ping failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	b := broker.New(rc.Raw())
	store := postgres.NewStore(pool, prom)

	publisher := tasks.NewPublisher(store, b, log)
	publisher.ResendAfter = cfg.OutboxResendAfter

	planner := tasks.NewPlanner(store, b, log)

	runner := tasks.NewRunner(store, hostLocker{locks: store.Locks}, agent.NewSimulated(), log)
	runner.MaxRetries = cfg.MaxRetries
	runner.LockMaxRetries = cfg.LockMaxRetries
	runner.Backoff = tasks.BackoffPolicy{Base: cfg.BaseBackoffSec, Max: cfg.MaxBackoffSec}

	host, _ := os.Hostname()
	workerID := host + "-" + strconv.Itoa(os.Getpid())

	w := worker.New(worker.Config{
		WorkerID:      workerID,
		Concurrency:   cfg.WorkerConcurrency,
		ShutdownGrace: 10 * time.Second,
	}, b, log, prom)

	w.Register(tasks.TaskPublishOutbox, publisher.Handle)
	w.Register(tasks.TaskPlanJob, planner.Handle)
	w.Register(tasks.TaskRunExecution, runner.Handle)

	// beat: the outbox drain runs on a fixed tick rather than being triggered
	// by intake, so a crashed publisher never strands committed events
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-ticker.C:
				if err := b.Enqueue(ctx, tasks.TaskPublishOutbox, nil); err != nil && ctx.Err() == nil {
					log.Error("outbox beat enqueue failed", "err", err)
				}
			}
		}
	}()

	log.Info("worker started", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency)

	if err := w.Run(ctx); err != nil {
		log.Error("worker stopped with error", "err", err)
	}

	log.Info("worker shutdown complete")
}
