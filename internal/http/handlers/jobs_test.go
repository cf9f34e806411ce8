package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/http/handlers"
	"github.com/geocoder89/fleetrunner/internal/repo/postgres"
	"github.com/gin-gonic/gin"
)

// Make sure Gin does not spam the console during the test

func init() {
	gin.SetMode(gin.TestMode)
}

// Fake repository implementations of the handlers store interfaces

type fakeJobsRepo struct {
	createFn  func(ctx context.Context, req job.CreateRequest) (string, bool, error)
	approveFn func(ctx context.Context, jobID string) (bool, error)
	rejectFn  func(ctx context.Context, jobID string) (postgres.RejectResult, error)
	listFn    func(ctx context.Context, limit, offset int) ([]job.Job, error)
	getFn     func(ctx context.Context, jobID string) (job.Job, error)
	countsFn  func(ctx context.Context, jobID string) (map[execution.Status]int, error)
}

func (f *fakeJobsRepo) CreateFromWebhook(ctx context.Context, req job.CreateRequest) (string, bool, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return "job-1", true, nil
}

func (f *fakeJobsRepo) Approve(ctx context.Context, jobID string) (bool, error) {
	if f.approveFn != nil {
		return f.approveFn(ctx, jobID)
	}
	return true, nil
}

func (f *fakeJobsRepo) Reject(ctx context.Context, jobID string) (postgres.RejectResult, error) {
	if f.rejectFn != nil {
		return f.rejectFn(ctx, jobID)
	}
	return postgres.RejectResult{}, nil
}

func (f *fakeJobsRepo) List(ctx context.Context, limit, offset int) ([]job.Job, error) {
	if f.listFn != nil {
		return f.listFn(ctx, limit, offset)
	}
	return nil, nil
}

func (f *fakeJobsRepo) GetByID(ctx context.Context, jobID string) (job.Job, error) {
	if f.getFn != nil {
		return f.getFn(ctx, jobID)
	}
	return job.Job{ID: jobID}, nil
}

func (f *fakeJobsRepo) StatusCounts(ctx context.Context, jobID string) (map[execution.Status]int, error) {
	if f.countsFn != nil {
		return f.countsFn(ctx, jobID)
	}
	return map[execution.Status]int{}, nil
}

type fakeExecutionsRepo struct {
	listFn func(ctx context.Context, jobID string, status *execution.Status, limit, offset int) ([]postgres.ExecutionWithHost, error)
	logsFn func(ctx context.Context, executionID string) ([]execution.LogLine, error)
}

func (f *fakeExecutionsRepo) ListByJob(ctx context.Context, jobID string, status *execution.Status, limit, offset int) ([]postgres.ExecutionWithHost, error) {
	if f.listFn != nil {
		return f.listFn(ctx, jobID, status, limit, offset)
	}
	return nil, nil
}

func (f *fakeExecutionsRepo) Logs(ctx context.Context, executionID string) ([]execution.LogLine, error) {
	if f.logsFn != nil {
		return f.logsFn(ctx, executionID)
	}
	return nil, nil
}

// small helper function which returns the gin engine to mount one handler per test

func setupRouter(method, path string, h gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Handle(method, path, h)

	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var buf *bytes.Buffer

	if body != "" {
		buf = bytes.NewBufferString(body)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	return rec
}

// Webhook intake tests

func TestCreateJobHandler(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		repoSetUp      func(*fakeJobsRepo)
		wantStatusCode int
	}{
		{
			name: "success",
			body: `{
				"external_id": "deploy-42",
				"command_type": "PING",
				"selector": {"hostnames": ["host-a"]}
			}`,
			wantStatusCode: http.StatusOK,
		},
		{
			name: "duplicate external id returns the existing job",
			body: `{
				"external_id": "deploy-42",
				"command_type": "PING",
				"selector": {"all": true}
			}`,
			repoSetUp: func(f *fakeJobsRepo) {
				f.createFn = func(ctx context.Context, req job.CreateRequest) (string, bool, error) {
					return "job-existing", false, nil
				}
			},
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "missing external_id",
			body:           `{"command_type": "PING", "selector": {"all": true}}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "unknown command type",
			body:           `{"external_id": "x", "command_type": "FORMAT_DISK", "selector": {"all": true}}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "empty selector",
			body:           `{"external_id": "x", "command_type": "PING", "selector": {}}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "unknown hostnames",
			body: `{"external_id": "x", "command_type": "PING", "selector": {"hostnames": ["ghost"]}}`,
			repoSetUp: func(f *fakeJobsRepo) {
				f.createFn = func(ctx context.Context, req job.CreateRequest) (string, bool, error) {
					return "", false, &host.MissingHostsError{Hostnames: []string{"ghost"}}
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeJobsRepo{}

			if tc.repoSetUp != nil {
				tc.repoSetUp(repo)
			}

			h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
			r := setupRouter(http.MethodPost, "/webhook/jobs/", h.CreateJob)

			rec := doJSON(t, r, http.MethodPost, "/webhook/jobs/", tc.body)

			if rec.Code != tc.wantStatusCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatusCode, rec.Body.String())
			}
		})
	}
}

func TestCreateJobHandlerIdempotentBody(t *testing.T) {
	repo := &fakeJobsRepo{
		createFn: func(ctx context.Context, req job.CreateRequest) (string, bool, error) {
			return "job-existing", false, nil
		},
	}

	h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
	r := setupRouter(http.MethodPost, "/webhook/jobs/", h.CreateJob)

	rec := doJSON(t, r, http.MethodPost, "/webhook/jobs/", `{
		"external_id": "deploy-42",
		"command_type": "PING",
		"selector": {"all": true}
	}`)

	var got map[string]string

	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if got["job_id"] != "job-existing" {
		t.Fatalf("job_id = %q, want job-existing", got["job_id"])
	}
}

// Approval tests

func TestApproveHandler(t *testing.T) {
	tests := []struct {
		name           string
		repoSetUp      func(*fakeJobsRepo)
		wantStatusCode int
	}{
		{
			name:           "approved and enqueued",
			wantStatusCode: http.StatusOK,
		},
		{
			name: "already approved is idempotent",
			repoSetUp: func(f *fakeJobsRepo) {
				f.approveFn = func(ctx context.Context, jobID string) (bool, error) {
					return false, nil
				}
			},
			wantStatusCode: http.StatusOK,
		},
		{
			name: "unknown job",
			repoSetUp: func(f *fakeJobsRepo) {
				f.approveFn = func(ctx context.Context, jobID string) (bool, error) {
					return false, job.ErrNotFound
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
		{
			name: "not waiting approval",
			repoSetUp: func(f *fakeJobsRepo) {
				f.approveFn = func(ctx context.Context, jobID string) (bool, error) {
					return false, job.ErrNotWaitingApproval
				}
			},
			wantStatusCode: http.StatusConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeJobsRepo{}

			if tc.repoSetUp != nil {
				tc.repoSetUp(repo)
			}

			h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
			r := setupRouter(http.MethodPost, "/jobs/:id/approve/", h.Approve)

			rec := doJSON(t, r, http.MethodPost, "/jobs/j1/approve/", "")

			if rec.Code != tc.wantStatusCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatusCode, rec.Body.String())
			}
		})
	}
}

func TestRejectHandlerCancelsExecutions(t *testing.T) {
	repo := &fakeJobsRepo{
		rejectFn: func(ctx context.Context, jobID string) (postgres.RejectResult, error) {
			return postgres.RejectResult{Status: job.StatusFailed, Cancelled: 4}, nil
		},
	}

	h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
	r := setupRouter(http.MethodPost, "/jobs/:id/reject/", h.Reject)

	rec := doJSON(t, r, http.MethodPost, "/jobs/j1/reject/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var got struct {
		ApprovalState string `json:"approval_state"`
		Status        string `json:"status"`
		Cancelled     int64  `json:"cancelled_executions"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if got.ApprovalState != "REJECTED" || got.Status != "FAILED" || got.Cancelled != 4 {
		t.Fatalf("response = %+v", got)
	}
}

// Read API tests

func TestGetJobHandlerSummary(t *testing.T) {
	wait := job.ApprovalWait

	repo := &fakeJobsRepo{
		getFn: func(ctx context.Context, jobID string) (job.Job, error) {
			return job.Job{
				ID:            jobID,
				ExternalID:    "deploy-42",
				CommandType:   job.CommandDeploy,
				Status:        job.StatusRunning,
				ApprovalState: &wait,
			}, nil
		},
		countsFn: func(ctx context.Context, jobID string) (map[execution.Status]int, error) {
			return map[execution.Status]int{
				execution.StatusSuccess: 2,
				execution.StatusRunning: 1,
			}, nil
		},
	}

	h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
	r := setupRouter(http.MethodGet, "/jobs/:id/", h.GetJob)

	rec := doJSON(t, r, http.MethodGet, "/jobs/j1/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var got struct {
		Total    int            `json:"executions_total"`
		ByStatus map[string]int `json:"executions_by_status"`
		Summary  string         `json:"summary"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if got.Total != 3 {
		t.Fatalf("executions_total = %d, want 3", got.Total)
	}

	if got.ByStatus["SUCCESS"] != 2 || got.ByStatus["RUNNING"] != 1 {
		t.Fatalf("executions_by_status = %v", got.ByStatus)
	}

	if got.Summary != "RUNNING" {
		t.Fatalf("summary = %q, want RUNNING", got.Summary)
	}
}

func TestGetJobHandlerNotFound(t *testing.T) {
	repo := &fakeJobsRepo{
		getFn: func(ctx context.Context, jobID string) (job.Job, error) {
			return job.Job{}, job.ErrNotFound
		},
	}

	h := handlers.NewJobsHandler(repo, &fakeExecutionsRepo{})
	r := setupRouter(http.MethodGet, "/jobs/:id/", h.GetJob)

	rec := doJSON(t, r, http.MethodGet, "/jobs/ghost/", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListExecutionsHandlerStatusFilter(t *testing.T) {
	var gotStatus *execution.Status

	repo := &fakeExecutionsRepo{
		listFn: func(ctx context.Context, jobID string, status *execution.Status, limit, offset int) ([]postgres.ExecutionWithHost, error) {
			gotStatus = status
			return []postgres.ExecutionWithHost{
				{
					Execution: execution.Execution{ID: "e1", HostID: "h1", Status: execution.StatusFailed, Attempts: 4},
					Hostname:  "host-a",
				},
			}, nil
		},
	}

	h := handlers.NewJobsHandler(&fakeJobsRepo{}, repo)
	r := setupRouter(http.MethodGet, "/jobs/:id/executions", h.ListExecutions)

	rec := doJSON(t, r, http.MethodGet, "/jobs/j1/executions?status=FAILED", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	if gotStatus == nil || *gotStatus != execution.StatusFailed {
		t.Fatalf("status filter = %v, want FAILED", gotStatus)
	}

	var got []struct {
		ExecutionID string `json:"execution_id"`
		Hostname    string `json:"hostname"`
		Attempts    int    `json:"attempts"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if len(got) != 1 || got[0].ExecutionID != "e1" || got[0].Hostname != "host-a" || got[0].Attempts != 4 {
		t.Fatalf("response = %+v", got)
	}
}

func TestListExecutionsHandlerRejectsBadStatus(t *testing.T) {
	h := handlers.NewJobsHandler(&fakeJobsRepo{}, &fakeExecutionsRepo{})
	r := setupRouter(http.MethodGet, "/jobs/:id/executions", h.ListExecutions)

	rec := doJSON(t, r, http.MethodGet, "/jobs/j1/executions?status=BOGUS", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
