package tasks

// The three task names on the broker's single default queue.
const (
	TaskPlanJob       = "PLAN_JOB"
	TaskRunExecution  = "RUN_EXECUTION"
	TaskPublishOutbox = "PUBLISH_OUTBOX"
)

type PlanJobPayload struct {
	JobID     string `json:"job_id"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type RunExecutionPayload struct {
	ExecutionID string `json:"execution_id"`
}
