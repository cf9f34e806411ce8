package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/geocoder89/fleetrunner/internal/domain/host"
	"github.com/geocoder89/fleetrunner/internal/domain/job"
	"github.com/geocoder89/fleetrunner/internal/http/handlers"
)

type fakeHostsRepo struct {
	replaceFn func(ctx context.Context, hostID string, commands []job.CommandType) ([]string, error)
	deleteFn  func(ctx context.Context, hostID string, cmd job.CommandType) (int64, error)
}

func (f *fakeHostsRepo) ReplaceBlocks(ctx context.Context, hostID string, commands []job.CommandType) ([]string, error) {
	if f.replaceFn != nil {
		return f.replaceFn(ctx, hostID, commands)
	}
	return nil, nil
}

func (f *fakeHostsRepo) DeleteBlock(ctx context.Context, hostID string, cmd job.CommandType) (int64, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, hostID, cmd)
	}
	return 0, nil
}

func TestReplaceBlocksHandler(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		repoSetUp      func(*fakeHostsRepo)
		wantStatusCode int
	}{
		{
			name: "success",
			body: `{"commands": ["DEPLOY", "RESTART_SERVICE"]}`,
			repoSetUp: func(f *fakeHostsRepo) {
				f.replaceFn = func(ctx context.Context, hostID string, commands []job.CommandType) ([]string, error) {
					return []string{"DEPLOY", "RESTART_SERVICE"}, nil
				}
			},
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "clearing the set",
			body:           `{"commands": []}`,
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "missing commands field",
			body:           `{}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "unknown command type",
			body:           `{"commands": ["FORMAT_DISK"]}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "unknown host",
			body: `{"commands": ["DEPLOY"]}`,
			repoSetUp: func(f *fakeHostsRepo) {
				f.replaceFn = func(ctx context.Context, hostID string, commands []job.CommandType) ([]string, error) {
					return nil, host.ErrNotFound
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeHostsRepo{}

			if tc.repoSetUp != nil {
				tc.repoSetUp(repo)
			}

			h := handlers.NewHostsHandler(repo)
			r := setupRouter(http.MethodPut, "/hosts/:host_id/blocks", h.ReplaceBlocks)

			rec := doJSON(t, r, http.MethodPut, "/hosts/h1/blocks", tc.body)

			if rec.Code != tc.wantStatusCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatusCode, rec.Body.String())
			}
		})
	}
}

func TestReplaceBlocksHandlerEmptySetMarshalsAsArray(t *testing.T) {
	h := handlers.NewHostsHandler(&fakeHostsRepo{})
	r := setupRouter(http.MethodPut, "/hosts/:host_id/blocks", h.ReplaceBlocks)

	rec := doJSON(t, r, http.MethodPut, "/hosts/h1/blocks", `{"commands": []}`)

	var got struct {
		HostID  string   `json:"host_id"`
		Blocked []string `json:"blocked_commands"`
	}

	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response unmarshal: %v", err)
	}

	if got.HostID != "h1" {
		t.Fatalf("host_id = %q", got.HostID)
	}

	if got.Blocked == nil {
		t.Fatal("blocked_commands must be [] not null")
	}
}

func TestDeleteBlockHandler(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		repoSetUp      func(*fakeHostsRepo)
		wantStatusCode int
		wantDeleted    int64
	}{
		{
			name: "deletes an existing block",
			path: "/hosts/h1/blocks/DEPLOY",
			repoSetUp: func(f *fakeHostsRepo) {
				f.deleteFn = func(ctx context.Context, hostID string, cmd job.CommandType) (int64, error) {
					return 1, nil
				}
			},
			wantStatusCode: http.StatusOK,
			wantDeleted:    1,
		},
		{
			name:           "absent block deletes nothing",
			path:           "/hosts/h1/blocks/PING",
			wantStatusCode: http.StatusOK,
			wantDeleted:    0,
		},
		{
			name:           "unknown command type",
			path:           "/hosts/h1/blocks/FORMAT_DISK",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "unknown host",
			path: "/hosts/ghost/blocks/DEPLOY",
			repoSetUp: func(f *fakeHostsRepo) {
				f.deleteFn = func(ctx context.Context, hostID string, cmd job.CommandType) (int64, error) {
					return 0, host.ErrNotFound
				}
			},
			wantStatusCode: http.StatusNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeHostsRepo{}

			if tc.repoSetUp != nil {
				tc.repoSetUp(repo)
			}

			h := handlers.NewHostsHandler(repo)
			r := setupRouter(http.MethodDelete, "/hosts/:host_id/blocks/:command_type", h.DeleteBlock)

			rec := doJSON(t, r, http.MethodDelete, tc.path, "")

			if rec.Code != tc.wantStatusCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantStatusCode, rec.Body.String())
			}

			if tc.wantStatusCode != http.StatusOK {
				return
			}

			var got struct {
				Deleted int64 `json:"deleted"`
			}

			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("response unmarshal: %v", err)
			}

			if got.Deleted != tc.wantDeleted {
				t.Fatalf("deleted = %d, want %d", got.Deleted, tc.wantDeleted)
			}
		})
	}
}
