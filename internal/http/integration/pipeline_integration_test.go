package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/geocoder89/fleetrunner/internal/db"
	"github.com/geocoder89/fleetrunner/internal/domain/execution"
	apphttp "github.com/geocoder89/fleetrunner/internal/http"
	"github.com/geocoder89/fleetrunner/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests need a real database (TEST_DB_DSN); they run the whole
// pipeline below the broker: intake -> outbox -> planning -> execution
// transitions, against actual SQL.

func setupTest(t *testing.T) (*gin.Engine, *postgres.Store, *pgxpool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)

	if err != nil {
		t.Fatalf("Failed to create pgx pool: %v", err)
	}

	t.Cleanup(pool.Close)

	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}

	resetDB(t, pool)

	if err := db.SeedHosts(ctx, pool, []string{"host-a", "host-b"}); err != nil {
		t.Fatalf("seed hosts: %v", err)
	}

	// Basic logger that discards outputs during tests

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	router := apphttp.NewRouter(logger, pool, nil, nil)
	store := postgres.NewStore(pool, nil)

	return router, store, pool
}

// reset db function after every test

func resetDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	// executions, logs and outbox rows hang off jobs/hosts via cascades

	_, err := pool.Exec(context.Background(), `TRUNCATE jobs, hosts, outbox_event CASCADE`)

	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	return rec
}

func jobIDFrom(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		JobID string `json:"job_id"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response unmarshal: %v body=%s", err, rec.Body.String())
	}

	return resp.JobID
}

func TestIntakeThroughPlanning(t *testing.T) {
	router, store, _ := setupTest(t)
	ctx := context.Background()

	rec := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-1",
		"command_type": "PING",
		"selector": {"all": true}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("intake status = %d body=%s", rec.Code, rec.Body.String())
	}

	jobID := jobIDFrom(t, rec)

	// same external_id replays to the same job, no second outbox row
	rec2 := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-1",
		"command_type": "PING",
		"selector": {"all": true}
	}`)

	if got := jobIDFrom(t, rec2); got != jobID {
		t.Fatalf("replayed intake job id = %s, want %s", got, jobID)
	}

	// outbox drain yields the job exactly once
	jobIDs, err := store.DrainBatch(ctx, 100)

	if err != nil {
		t.Fatalf("DrainBatch: %v", err)
	}

	if len(jobIDs) != 1 || jobIDs[0] != jobID {
		t.Fatalf("drained job ids = %v, want [%s]", jobIDs, jobID)
	}

	// a second drain finds nothing NEW
	jobIDs, err = store.DrainBatch(ctx, 100)

	if err != nil || len(jobIDs) != 0 {
		t.Fatalf("second drain = %v, %v", jobIDs, err)
	}

	// planning: NEW -> QUEUED once, then a no-op
	ok, err := store.MarkQueuedForPlanning(ctx, jobID)

	if err != nil || !ok {
		t.Fatalf("MarkQueuedForPlanning = %v, %v", ok, err)
	}

	ok, err = store.MarkQueuedForPlanning(ctx, jobID)

	if err != nil || ok {
		t.Fatalf("duplicate MarkQueuedForPlanning = %v, %v", ok, err)
	}

	ids, err := store.ClaimBatchForJob(ctx, jobID, 100)

	if err != nil {
		t.Fatalf("ClaimBatchForJob: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("claimed %d executions, want 2 (both seeded hosts)", len(ids))
	}

	// run one execution to completion and check the transitions stick
	started, err := store.StartExecution(ctx, ids[0])

	if err != nil || !started {
		t.Fatalf("StartExecution = %v, %v", started, err)
	}

	// starting again must lose the guard
	started, err = store.StartExecution(ctx, ids[0])

	if err != nil || started {
		t.Fatalf("second StartExecution = %v, %v", started, err)
	}

	if err := store.FinishSuccess(ctx, ids[0], "exit_code=0"); err != nil {
		t.Fatalf("FinishSuccess: %v", err)
	}

	ex, err := store.GetExecution(ctx, ids[0])

	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}

	if ex.Status != execution.StatusSuccess || ex.Attempts != 1 || ex.FinishedAt == nil {
		t.Fatalf("execution after success = %+v", ex)
	}
}

func TestApprovalGateEmitsOutboxOnApproveOnly(t *testing.T) {
	router, store, _ := setupTest(t)
	ctx := context.Background()

	rec := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-2",
		"command_type": "DEPLOY",
		"selector": {"hostnames": ["host-a"]}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("intake status = %d body=%s", rec.Code, rec.Body.String())
	}

	jobID := jobIDFrom(t, rec)

	// approval-gated: nothing in the outbox yet
	jobIDs, err := store.DrainBatch(ctx, 100)

	if err != nil || len(jobIDs) != 0 {
		t.Fatalf("drain before approval = %v, %v", jobIDs, err)
	}

	rec = postJSON(t, router, "/jobs/"+jobID+"/approve/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rec.Code, rec.Body.String())
	}

	jobIDs, err = store.DrainBatch(ctx, 100)

	if err != nil || len(jobIDs) != 1 || jobIDs[0] != jobID {
		t.Fatalf("drain after approval = %v, %v", jobIDs, err)
	}

	// approving again conflicts with nothing: idempotent 200
	rec = postJSON(t, router, "/jobs/"+jobID+"/approve/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("re-approve status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRejectCancelsPendingExecutions(t *testing.T) {
	router, store, pool := setupTest(t)
	ctx := context.Background()

	rec := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-3",
		"command_type": "RUN_SCRIPT",
		"selector": {"all": true}
	}`)

	jobID := jobIDFrom(t, rec)

	rec = postJSON(t, router, "/jobs/"+jobID+"/reject/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("reject status = %d body=%s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Cancelled int64 `json:"cancelled_executions"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if resp.Cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", resp.Cancelled)
	}

	// nothing pending survives a rejection
	var pending int

	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE job_id = $1 AND status IN ('NEW', 'QUEUED')
	`, jobID).Scan(&pending)

	if err != nil {
		t.Fatalf("count pending: %v", err)
	}

	if pending != 0 {
		t.Fatalf("pending executions after reject = %d", pending)
	}

	// and the job can no longer be planned
	ok, err := store.MarkQueuedForPlanning(ctx, jobID)

	if err != nil || ok {
		t.Fatalf("MarkQueuedForPlanning after reject = %v, %v", ok, err)
	}
}

func TestIntakeDeduplicatesSelectorHostnames(t *testing.T) {
	router, _, pool := setupTest(t)
	ctx := context.Background()

	// host-a twice: still one execution per host
	rec := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-5",
		"command_type": "PING",
		"selector": {"hostnames": ["host-a", "host-a", "host-b"]}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("intake status = %d body=%s", rec.Code, rec.Body.String())
	}

	jobID := jobIDFrom(t, rec)

	var total, distinct int

	err := pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT host_id)
		FROM executions WHERE job_id = $1
	`, jobID).Scan(&total, &distinct)

	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if total != 2 || distinct != 2 {
		t.Fatalf("executions total=%d distinct hosts=%d, want 2/2", total, distinct)
	}
}

func TestBlockedHostMaterializesBlockedAtBirth(t *testing.T) {
	router, _, pool := setupTest(t)
	ctx := context.Background()

	// block DEPLOY on host-a
	var hostID string

	if err := pool.QueryRow(ctx, `SELECT id FROM hosts WHERE hostname = 'host-a'`).Scan(&hostID); err != nil {
		t.Fatalf("host lookup: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/hosts/"+hostID+"/blocks", bytes.NewBufferString(`{"commands": ["DEPLOY"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("blocks status = %d body=%s", rec.Code, rec.Body.String())
	}

	out := postJSON(t, router, "/webhook/jobs/", `{
		"external_id": "int-4",
		"command_type": "DEPLOY",
		"selector": {"all": true}
	}`)

	jobID := jobIDFrom(t, out)

	var blocked, fresh int

	err := pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'BLOCKED'),
			COUNT(*) FILTER (WHERE status = 'NEW')
		FROM executions WHERE job_id = $1
	`, jobID).Scan(&blocked, &fresh)

	if err != nil {
		t.Fatalf("count: %v", err)
	}

	if blocked != 1 || fresh != 1 {
		t.Fatalf("blocked=%d new=%d, want 1/1", blocked, fresh)
	}
}
