package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey      = "fleetrunner:queue:default"
	processingKey = "fleetrunner:processing:"
	delayedKey    = "fleetrunner:delayed"
)

// ErrEmpty means no task became available within the reserve timeout.
var ErrEmpty = errors.New("queue is empty")

// Task is the JSON envelope on the wire. Retries counts broker-level
// redeliveries requested by handlers, not process crashes.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"task"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Retries int             `json:"retries"`
}

// Broker is a single-queue task transport on redis lists. Reserve moves the
// task into a per-worker processing list (late acknowledgement): a worker
// that dies mid-task leaves the raw entry behind, and Reclaim puts it back
// on the queue at the next startup.
type Broker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Enqueue pushes a fresh task onto the default queue.
func (b *Broker) Enqueue(ctx context.Context, name string, payload any) error {
	var raw json.RawMessage

	if payload != nil {
		bts, err := json.Marshal(payload)

		if err != nil {
			return err
		}

		raw = bts
	}

	return b.EnqueueTask(ctx, Task{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: raw,
	})
}

func (b *Broker) EnqueueTask(ctx context.Context, t Task) error {
	bts, err := json.Marshal(t)

	if err != nil {
		return err
	}

	return b.rdb.LPush(ctx, queueKey, string(bts)).Err()
}

// EnqueueIn schedules a task for later delivery (retry with countdown). The
// mover loop feeds due tasks back onto the queue.
func (b *Broker) EnqueueIn(ctx context.Context, t Task, countdown time.Duration) error {
	bts, err := json.Marshal(t)

	if err != nil {
		return err
	}

	due := float64(time.Now().Add(countdown).UnixMilli())

	return b.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: string(bts)}).Err()
}

// Reserve blocks up to timeout for the next task, moving it into the
// worker's processing list. The raw entry is returned so the caller can Ack
// exactly what it took.
func (b *Broker) Reserve(ctx context.Context, workerID string, timeout time.Duration) (Task, string, error) {
	raw, err := b.rdb.BRPopLPush(ctx, queueKey, processingKey+workerID, timeout).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, "", ErrEmpty
		}
		return Task{}, "", err
	}

	var t Task

	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// poison entry: drop it from processing so it cannot wedge the worker
		_ = b.Ack(ctx, workerID, raw)
		return Task{}, "", err
	}

	return t, raw, nil
}

// Ack removes a delivered task from the worker's processing list.
func (b *Broker) Ack(ctx context.Context, workerID, raw string) error {
	return b.rdb.LRem(ctx, processingKey+workerID, 1, raw).Err()
}

// moveDueScript removes a due entry and pushes it onto the queue in one
// server-side step, so a crash between the two can never drop a retry and
// two movers never duplicate one.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local moved = 0
for _, raw in ipairs(due) do
	if redis.call('ZREM', KEYS[1], raw) == 1 then
		redis.call('LPUSH', KEYS[2], raw)
		moved = moved + 1
	end
end
return moved
`)

// MoveDue promotes delayed tasks whose countdown has elapsed back onto the
// queue. Returns how many moved.
func (b *Broker) MoveDue(ctx context.Context, now time.Time) (int, error) {
	moved, err := moveDueScript.Run(ctx, b.rdb, []string{delayedKey, queueKey}, formatScore(now)).Int()

	if err != nil {
		return 0, err
	}

	return moved, nil
}

// Reclaim re-queues everything left in the worker's processing list from a
// previous run (reject-on-worker-lost behavior).
func (b *Broker) Reclaim(ctx context.Context, workerID string) (int, error) {
	key := processingKey + workerID
	reclaimed := 0

	for {
		_, err := b.rdb.RPopLPush(ctx, key, queueKey).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				return reclaimed, nil
			}
			return reclaimed, err
		}

		reclaimed++
	}
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
