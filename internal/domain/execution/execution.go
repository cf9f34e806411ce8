package execution

import (
	"errors"
	"time"
)

type Status string

const (
	StatusNew       Status = "NEW"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
	StatusBlocked   Status = "BLOCKED"
)

var ErrNotFound = errors.New("execution not found")

// IsTerminal reports whether the status is absorbing: once an execution is
// terminal it never transitions again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout, StatusBlocked:
		return true
	default:
		return false
	}
}

func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusRunning, StatusSuccess,
		StatusFailed, StatusCancelled, StatusTimeout, StatusBlocked:
		return true
	default:
		return false
	}
}

// Execution is one (job, host) unit of work with its own state and retry
// budget. Plain value, no back-pointers; relationships live in the database.
type Execution struct {
	ID         string     `json:"execution_id"`
	JobID      string     `json:"job_id"`
	HostID     string     `json:"host_id"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLine is one append-only log entry for an execution.
type LogLine struct {
	ExecutionID string    `json:"execution_id"`
	TS          time.Time `json:"ts"`
	Line        string    `json:"line"`
}
