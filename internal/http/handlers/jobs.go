package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/repo/postgres"
	"github.com/gin-gonic/gin"
)

type JobsStore interface {
	CreateFromWebhook(ctx context.Context, req job.CreateRequest) (string, bool, error)
	Approve(ctx context.Context, jobID string) (bool, error)
	Reject(ctx context.Context, jobID string) (postgres.RejectResult, error)
	List(ctx context.Context, limit, offset int) ([]job.Job, error)
	GetByID(ctx context.Context, jobID string) (job.Job, error)
	StatusCounts(ctx context.Context, jobID string) (map[execution.Status]int, error)
}

type ExecutionsStore interface {
	ListByJob(ctx context.Context, jobID string, status *execution.Status, limit, offset int) ([]postgres.ExecutionWithHost, error)
	Logs(ctx context.Context, executionID string) ([]execution.LogLine, error)
}

type JobsHandler struct {
	jobs       JobsStore
	executions ExecutionsStore
}

func NewJobsHandler(jobs JobsStore, executions ExecutionsStore) *JobsHandler {
	return &JobsHandler{jobs: jobs, executions: executions}
}

type selectorBody struct {
	All       bool     `json:"all"`
	Hostnames []string `json:"hostnames"`
}

type jobBody struct {
	ExternalID  string          `json:"external_id" binding:"required"`
	CommandType string          `json:"command_type" binding:"required"`
	Selector    selectorBody    `json:"selector"`
	Payload     json.RawMessage `json:"payload"`
}

// POST /webhook/jobs/

func (h *JobsHandler) CreateJob(ctx *gin.Context) {
	var body jobBody

	if !BindJSON(ctx, &body) {
		return
	}

	cmd := job.CommandType(body.CommandType)

	if !cmd.IsValid() {
		RespondBadRequest(ctx, "unknown command_type", gin.H{"command_type": body.CommandType})
		return
	}

	if !body.Selector.All && len(body.Selector.Hostnames) == 0 {
		RespondBadRequest(ctx, "selector must set all or hostnames", nil)
		return
	}

	jobID, _, err := h.jobs.CreateFromWebhook(ctx.Request.Context(), job.CreateRequest{
		ExternalID:  body.ExternalID,
		CommandType: cmd,
		Selector: job.Selector{
			All:       body.Selector.All,
			Hostnames: body.Selector.Hostnames,
		},
		Payload: body.Payload,
	})

	if err != nil {
		var missing *host.MissingHostsError

		if errors.As(err, &missing) {
			RespondNotFound(ctx, missing.Error())
			return
		}

		RespondInternal(ctx, "could not create job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// POST /jobs/:id/approve/

func (h *JobsHandler) Approve(ctx *gin.Context) {
	jobID := ctx.Param("id")

	enqueued, err := h.jobs.Approve(ctx.Request.Context(), jobID)

	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			RespondNotFound(ctx, "job not found")
		case errors.Is(err, job.ErrNotWaitingApproval):
			RespondConflict(ctx, "not_waiting_approval", "job is not waiting for approval")
		default:
			RespondInternal(ctx, "could not approve job")
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"job_id":         jobID,
		"approval_state": string(job.ApprovalApproved),
		"enqueued":       enqueued,
	})
}

// POST /jobs/:id/reject/

func (h *JobsHandler) Reject(ctx *gin.Context) {
	jobID := ctx.Param("id")

	res, err := h.jobs.Reject(ctx.Request.Context(), jobID)

	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			RespondNotFound(ctx, "job not found")
		case errors.Is(err, job.ErrNotWaitingApproval):
			RespondConflict(ctx, "not_waiting_approval", "job is not waiting for approval")
		default:
			RespondInternal(ctx, "could not reject job")
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"job_id":               jobID,
		"approval_state":       string(job.ApprovalRejected),
		"status":               string(res.Status),
		"cancelled_executions": res.Cancelled,
	})
}

// GET /jobs/

func (h *JobsHandler) ListJobs(ctx *gin.Context) {
	limit := intQuery(ctx, "limit", 50)
	offset := intQuery(ctx, "offset", 0)

	jobs, err := h.jobs.List(ctx.Request.Context(), limit, offset)

	if err != nil {
		RespondInternal(ctx, "could not list jobs")
		return
	}

	out := make([]gin.H, 0, len(jobs))

	for _, j := range jobs {
		out = append(out, gin.H{
			"job_id":         j.ID,
			"external_id":    j.ExternalID,
			"command_type":   string(j.CommandType),
			"status":         string(j.Status),
			"approval_state": approvalOrNil(j.ApprovalState),
		})
	}

	ctx.JSON(http.StatusOK, out)
}

// GET /jobs/:id/

func (h *JobsHandler) GetJob(ctx *gin.Context) {
	jobID := ctx.Param("id")

	j, err := h.jobs.GetByID(ctx.Request.Context(), jobID)

	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondNotFound(ctx, "job not found")
			return
		}

		RespondInternal(ctx, "could not load job")
		return
	}

	counts, err := h.jobs.StatusCounts(ctx.Request.Context(), jobID)

	if err != nil {
		RespondInternal(ctx, "could not load job")
		return
	}

	total := 0
	byStatus := make(map[string]int, len(counts))

	for status, n := range counts {
		total += n
		byStatus[string(status)] = n
	}

	ctx.JSON(http.StatusOK, gin.H{
		"job_id":               j.ID,
		"external_id":          j.ExternalID,
		"command_type":         string(j.CommandType),
		"status":               string(j.Status),
		"approval_state":       approvalOrNil(j.ApprovalState),
		"executions_total":     total,
		"executions_by_status": byStatus,
		"summary":              string(job.Summarize(counts)),
	})
}

// GET /jobs/:id/executions

func (h *JobsHandler) ListExecutions(ctx *gin.Context) {
	jobID := ctx.Param("id")

	if _, err := h.jobs.GetByID(ctx.Request.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			RespondNotFound(ctx, "job not found")
			return
		}

		RespondInternal(ctx, "could not load job")
		return
	}

	var statusFilter *execution.Status

	if raw := ctx.Query("status"); raw != "" {
		st := execution.Status(raw)

		if !st.IsValid() {
			RespondBadRequest(ctx, "unknown execution status", gin.H{"status": raw})
			return
		}

		statusFilter = &st
	}

	limit := intQuery(ctx, "limit", 50)
	offset := intQuery(ctx, "offset", 0)

	rows, err := h.executions.ListByJob(ctx.Request.Context(), jobID, statusFilter, limit, offset)

	if err != nil {
		RespondInternal(ctx, "could not list executions")
		return
	}

	out := make([]gin.H, 0, len(rows))

	for _, row := range rows {
		out = append(out, gin.H{
			"execution_id": row.ID,
			"host_id":      row.HostID,
			"hostname":     row.Hostname,
			"attempts":     row.Attempts,
			"status":       string(row.Status),
		})
	}

	ctx.JSON(http.StatusOK, out)
}

// GET /jobs/executions/:id/logs

func (h *JobsHandler) ExecutionLogs(ctx *gin.Context) {
	executionID := ctx.Param("id")

	lines, err := h.executions.Logs(ctx.Request.Context(), executionID)

	if err != nil {
		RespondInternal(ctx, "could not load logs")
		return
	}

	out := make([]gin.H, 0, len(lines))

	for _, l := range lines {
		out = append(out, gin.H{
			"execution_id": l.ExecutionID,
			"ts":           l.TS,
			"line":         l.Line,
		})
	}

	ctx.JSON(http.StatusOK, out)
}

func approvalOrNil(state *job.ApprovalState) any {
	if state == nil {
		return nil
	}

	return string(*state)
}

func intQuery(ctx *gin.Context, key string, fallback int) int {
	raw := ctx.Query(key)

	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)

	if err != nil || n < 0 {
		return fallback
	}

	return n
}
