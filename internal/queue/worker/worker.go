package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/geocoder89/fleetrunner/internal/queue/broker"
)

// Outcome is what a handler tells the worker to do with the delivery.
// Retry-with-countdown is modeled as a return value rather than a panic or
// sentinel error, so the dispatch loop owns all broker interaction.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

func Done() Outcome {
	return Outcome{}
}

func RetryAfter(d time.Duration) Outcome {
	return Outcome{Retry: true, Delay: d}
}

type Handler func(ctx context.Context, t broker.Task) (Outcome, error)

type Config struct {
	WorkerID       string
	Concurrency    int
	ReserveTimeout time.Duration
	ShutdownGrace  time.Duration
}

type Worker struct {
	cfg      Config
	broker   *broker.Broker
	handlers map[string]Handler
	log      *slog.Logger
	prom     *observability.Prom
}

func New(cfg Config, b *broker.Broker, log *slog.Logger, prom *observability.Prom) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = 2 * time.Second
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	return &Worker{
		cfg:      cfg,
		broker:   b,
		handlers: make(map[string]Handler),
		log:      log,
		prom:     prom,
	}
}

func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run consumes tasks until ctx is cancelled. It first re-queues anything a
// previous incarnation of this worker left in its processing list, then runs
// Concurrency slots each holding at most one in-flight task, plus the mover
// loop that promotes due delayed tasks.
func (w *Worker) Run(ctx context.Context) error {
	reclaimed, err := w.broker.Reclaim(ctx, w.cfg.WorkerID)

	if err != nil {
		return err
	}

	if reclaimed > 0 {
		w.log.Info("reclaimed stale tasks", "worker_id", w.cfg.WorkerID, "count", reclaimed)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.moveLoop(ctx)
	}()

	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}

	<-ctx.Done()
	w.log.Info("worker received shutdown signal")

	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		wg.Wait()
	}()

	select {
	case <-doneCh:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Error("worker shutdown grace elapsed")
	}

	return nil
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		t, raw, err := w.broker.Reserve(ctx, w.cfg.WorkerID, w.cfg.ReserveTimeout)

		if err != nil {
			if err == broker.ErrEmpty || ctx.Err() != nil {
				continue
			}

			w.log.Error("reserve failed", "err", err)

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		w.dispatch(ctx, t, raw)
	}
}

func (w *Worker) dispatch(ctx context.Context, t broker.Task, raw string) {
	h, ok := w.handlers[t.Name]

	if !ok {
		w.log.Error("unknown task", "task", t.Name, "task_id", t.ID)
		_ = w.broker.Ack(ctx, w.cfg.WorkerID, raw)
		return
	}

	if w.prom != nil {
		w.prom.TasksInFlight.Inc()
		defer w.prom.TasksInFlight.Dec()
	}

	start := time.Now()
	outcome, err := h(ctx, t)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		// infrastructure failure (e.g. database unavailable): hand the task
		// back with backoff so it survives the outage
		w.log.Error("task failed", "task", t.Name, "task_id", t.ID, "retries", t.Retries, "err", err)
		w.observe(t.Name, "failed", elapsed)

		t.Retries++

		if reErr := w.broker.EnqueueIn(ctx, t, ExponentialBackoff(t.Retries)); reErr != nil {
			w.log.Error("requeue after failure lost", "task", t.Name, "task_id", t.ID, "err", reErr)
		}

	case outcome.Retry:
		w.log.Debug("task retry", "task", t.Name, "task_id", t.ID, "retries", t.Retries, "countdown", outcome.Delay.Seconds())
		w.observe(t.Name, "retry", elapsed)

		t.Retries++

		if reErr := w.broker.EnqueueIn(ctx, t, outcome.Delay); reErr != nil {
			w.log.Error("retry enqueue lost", "task", t.Name, "task_id", t.ID, "err", reErr)
		}

	default:
		w.observe(t.Name, "done", elapsed)
	}

	// late ack: only after the handler and any re-enqueue are done
	if ackErr := w.broker.Ack(ctx, w.cfg.WorkerID, raw); ackErr != nil {
		w.log.Error("ack failed", "task", t.Name, "task_id", t.ID, "err", ackErr)
	}
}

func (w *Worker) moveLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := w.broker.MoveDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				w.log.Error("delayed move failed", "err", err)
			}
		}
	}
}

func (w *Worker) observe(task, result string, d time.Duration) {
	if w.prom != nil {
		w.prom.ObserveTask(task, result, d)
	}
}
