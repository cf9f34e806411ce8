package outbox

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusNew    Status = "NEW"
	StatusSent   Status = "SENT"
	StatusFailed Status = "FAILED"
)

type EventType string

const EventPlanJob EventType = "PLAN_JOB"

// MaxAttempts is how many times a NEW event may fail payload extraction
// before the publisher gives up and marks it FAILED.
const MaxAttempts = 10

// Event is the durable hand-off between an API transaction and the worker.
// It is inserted in the same transaction as the state change that motivates
// it, so a committed change is never silently dropped before publication.
type Event struct {
	ID        string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// PlanJobPayload is the payload carried by PLAN_JOB events.
type PlanJobPayload struct {
	JobID string `json:"job_id"`
}
