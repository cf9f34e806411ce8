package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusNew     Status = "NEW"
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPartial Status = "PARTIAL"
)

type ApprovalState string

const (
	ApprovalWait     ApprovalState = "WAIT_APPROVAL"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

type CommandType string

const (
	CommandPing           CommandType = "PING"
	CommandRestartService CommandType = "RESTART_SERVICE"
	CommandDeploy         CommandType = "DEPLOY"
	CommandRunScript      CommandType = "RUN_SCRIPT"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrNotWaitingApproval = errors.New("job is not waiting for approval")
)

// check to see if the command type is a known constant

func (t CommandType) IsValid() bool {
	switch t {
	case CommandPing, CommandRestartService, CommandDeploy, CommandRunScript:
		return true
	default:
		return false
	}
}

// RequiresApproval reports whether a command must be human-approved before it
// is planned. Approval-required jobs do not get an outbox event at intake.
func (t CommandType) RequiresApproval() bool {
	switch t {
	case CommandRestartService, CommandDeploy, CommandRunScript:
		return true
	default:
		return false
	}
}

// Selector picks the target hosts for a job: either every known host or an
// explicit hostname list.
type Selector struct {
	All       bool     `json:"all,omitempty"`
	Hostnames []string `json:"hostnames,omitempty"`
}

type Job struct {
	ID            string          `json:"job_id"`
	ExternalID    string          `json:"external_id"`
	Signature     *string         `json:"signature,omitempty"`
	Selector      json.RawMessage `json:"selector"`
	Payload       json.RawMessage `json:"payload"`
	CommandType   CommandType     `json:"command_type"`
	Status        Status          `json:"status"`
	ApprovalState *ApprovalState  `json:"approval_state,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CreateRequest struct {
	ExternalID  string
	CommandType CommandType
	Selector    Selector
	Payload     json.RawMessage
}
