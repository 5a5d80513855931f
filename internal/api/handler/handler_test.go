package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/agentgate/internal/api/middleware"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/internal/worker"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock JobService ---

type mockJobs struct {
	submitted jobs.SubmitRequest
	filter    store.JobFilter
	err       error
}

func (m *mockJobs) SubmitTask(_ context.Context, req jobs.SubmitRequest) (*models.Job, error) {
	m.submitted = req
	if m.err != nil {
		return nil, m.err
	}
	orch := "orch_1"
	return &models.Job{ID: uuid.New(), Status: models.JobStatusPending, Priority: 7, OrchestratorID: &orch}, nil
}

func (m *mockJobs) ListJobs(_ context.Context, _ jobs.Principal, f store.JobFilter) ([]*models.Job, int, error) {
	m.filter = f
	return []*models.Job{}, 0, m.err
}

func (m *mockJobs) GetJob(_ context.Context, _ jobs.Principal, id uuid.UUID) (*jobs.Detail, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &jobs.Detail{Job: &models.Job{ID: id}}, nil
}

func (m *mockJobs) JobStatus(_ context.Context, _ jobs.Principal, _ uuid.UUID) (models.JobStatus, error) {
	return models.JobStatusRunning, m.err
}

func (m *mockJobs) CancelJob(_ context.Context, _ jobs.Principal, id uuid.UUID) (*models.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Job{ID: id, Status: models.JobStatusCancelled}, nil
}

func (m *mockJobs) RetryJob(_ context.Context, _ jobs.Principal, id uuid.UUID) (*models.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Job{ID: id, Status: models.JobStatusPending}, nil
}

// --- mock CheckpointGate ---

type mockGate struct {
	reviewer string
	reason   string
	err      error
}

func (m *mockGate) GetFor(_ context.Context, _ jobs.Principal, id uuid.UUID) (*models.Checkpoint, error) {
	return &models.Checkpoint{ID: id, Status: models.CheckpointStatusPending}, m.err
}

func (m *mockGate) Approve(_ context.Context, id uuid.UUID, reviewer string) (*models.Checkpoint, error) {
	m.reviewer = reviewer
	return &models.Checkpoint{ID: id, Status: models.CheckpointStatusApproved}, m.err
}

func (m *mockGate) Reject(_ context.Context, id uuid.UUID, reviewer, reason string) (*models.Checkpoint, error) {
	m.reviewer, m.reason = reviewer, reason
	return &models.Checkpoint{ID: id, Status: models.CheckpointStatusRejected}, m.err
}

// --- mock WorkerController ---

type mockController struct {
	running bool
	err     error
}

func (m *mockController) Start(_ context.Context) (*worker.Status, error) {
	m.running = true
	return m.status()
}

func (m *mockController) Stop(_ context.Context) (*worker.Status, error) {
	m.running = false
	return m.status()
}

func (m *mockController) Status(_ context.Context) (*worker.Status, error) {
	return m.status()
}

func (m *mockController) status() (*worker.Status, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &worker.Status{
		Stats:     worker.Stats{Running: m.running, MaxConcurrent: 4},
		JobCounts: map[models.JobStatus]int{models.JobStatusPending: 2},
	}, nil
}

// --- mock Pinger ---

type pinger struct{ err error }

func (p pinger) Ping(_ context.Context) error { return p.err }

// --- helpers ---

func newReq(t *testing.T, method, path string, body any, params map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	ctx = mw.SetPrincipal(ctx, jobs.Principal{UserID: "alice"})
	return r.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), rec.Body.String())
	return env.Data
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), rec.Body.String())
	return env.Error.Code, env.Error.Message
}

// --- error mapping ---

func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &jobs.ValidationError{Field: "instruction", Message: "is required"}, 400, "VALIDATION_ERROR"},
		{"wrapped validation", fmt.Errorf("submit: %w", jobs.ErrValidation), 400, "VALIDATION_ERROR"},
		{"not found", fmt.Errorf("job x: %w", store.ErrNotFound), 404, "RESOURCE_NOT_FOUND"},
		{"invalid state", fmt.Errorf("%w: job is COMPLETED", jobs.ErrInvalidStateTransition), 409, "INVALID_STATE"},
		{"retries exhausted", fmt.Errorf("%w: 3 of 3", jobs.ErrRetriesExhausted), 409, "RETRIES_EXHAUSTED"},
		{"store unavailable", fmt.Errorf("list: %w", store.ErrUnavailable), 503, "SERVICE_UNAVAILABLE"},
		{"anything else", errors.New("pq: relation jobs does not exist"), 500, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest("GET", "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			code, msg := decodeErr(t, rec)
			assert.Equal(t, tt.code, code)
			assert.NotContains(t, msg, "pq:")
		})
	}
}

// --- jobs ---

func TestSubmitJob_PassesRequestThrough(t *testing.T) {
	svc := &mockJobs{}
	rec := httptest.NewRecorder()
	NewSubmitJobHandler(svc).ServeHTTP(rec, newReq(t, "POST", "/api/v1/jobs", map[string]any{
		"instruction":  "book a flight",
		"context":      map[string]string{"to": "LIS"},
		"priority":     7,
		"job_type":     "travel",
		"max_attempts": 2,
	}, nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	d := decodeData(t, rec)
	assert.Equal(t, "PENDING", d["status"])
	assert.Equal(t, "orch_1", d["orchestrator_id"])
	assert.Equal(t, float64(7), d["priority"])

	assert.Equal(t, "alice", svc.submitted.UserID)
	assert.Equal(t, "book a flight", svc.submitted.Instruction)
	assert.JSONEq(t, `{"to":"LIS"}`, string(svc.submitted.Context))
	require.NotNil(t, svc.submitted.Priority)
	assert.Equal(t, 7, *svc.submitted.Priority)
	assert.Equal(t, "travel", svc.submitted.JobType)
	assert.Equal(t, 2, svc.submitted.MaxAttempts)
}

func TestSubmitJob_MissingPriorityIsNil(t *testing.T) {
	svc := &mockJobs{}
	rec := httptest.NewRecorder()
	NewSubmitJobHandler(svc).ServeHTTP(rec, newReq(t, "POST", "/api/v1/jobs", map[string]any{"instruction": "x"}, nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, svc.submitted.Priority)
}

func TestSubmitJob_NoPrincipal(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/jobs", bytes.NewBufferString(`{"instruction":"x"}`))
	rec := httptest.NewRecorder()
	NewSubmitJobHandler(&mockJobs{}).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListJobs_ParsesFilter(t *testing.T) {
	svc := &mockJobs{}
	rec := httptest.NewRecorder()
	NewListJobsHandler(svc).ServeHTTP(rec, newReq(t, "GET", "/api/v1/jobs?status=FAILED&job_type=echo&page=3&limit=500", nil, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStatusFailed, svc.filter.Status)
	assert.Equal(t, "echo", svc.filter.JobType)
	assert.Equal(t, 3, svc.filter.Page)
	assert.Equal(t, 100, svc.filter.Limit)
}

func TestGetJob_InvalidID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewGetJobHandler(&mockJobs{}).ServeHTTP(rec, newReq(t, "GET", "/", nil, map[string]string{"jobID": "nope"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeErr(t, rec)
	assert.Equal(t, "INVALID_REQUEST", code)
}

func TestGetJob_StoreUnavailable(t *testing.T) {
	svc := &mockJobs{err: fmt.Errorf("job: %w", store.ErrUnavailable)}
	rec := httptest.NewRecorder()
	NewGetJobHandler(svc).ServeHTTP(rec, newReq(t, "GET", "/", nil, map[string]string{"jobID": uuid.NewString()}))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobStatus(t *testing.T) {
	id := uuid.New()
	rec := httptest.NewRecorder()
	NewJobStatusHandler(&mockJobs{}).ServeHTTP(rec, newReq(t, "GET", "/", nil, map[string]string{"jobID": id.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeData(t, rec)
	assert.Equal(t, id.String(), d["job_id"])
	assert.Equal(t, "RUNNING", d["status"])
}

func TestCancelAndRetry(t *testing.T) {
	id := uuid.New().String()

	rec := httptest.NewRecorder()
	NewCancelJobHandler(&mockJobs{}).ServeHTTP(rec, newReq(t, "POST", "/", nil, map[string]string{"jobID": id}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeData(t, rec)["status"])

	rec = httptest.NewRecorder()
	NewRetryJobHandler(&mockJobs{err: jobs.ErrRetriesExhausted}).ServeHTTP(rec, newReq(t, "POST", "/", nil, map[string]string{"jobID": id}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- checkpoints ---

func TestApproveCheckpoint_ReviewerIsCaller(t *testing.T) {
	gate := &mockGate{}
	rec := httptest.NewRecorder()
	NewApproveCheckpointHandler(gate).ServeHTTP(rec, newReq(t, "POST", "/", nil, map[string]string{"checkpointID": uuid.NewString()}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gate.reviewer)
	assert.Equal(t, "APPROVED", decodeData(t, rec)["status"])
}

func TestRejectCheckpoint_WithReason(t *testing.T) {
	gate := &mockGate{}
	rec := httptest.NewRecorder()
	NewRejectCheckpointHandler(gate).ServeHTTP(rec, newReq(t, "POST", "/",
		map[string]string{"reason": "too risky"}, map[string]string{"checkpointID": uuid.NewString()}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "too risky", gate.reason)
}

func TestRejectCheckpoint_EmptyBody(t *testing.T) {
	gate := &mockGate{}
	rec := httptest.NewRecorder()
	NewRejectCheckpointHandler(gate).ServeHTTP(rec, newReq(t, "POST", "/", nil, map[string]string{"checkpointID": uuid.NewString()}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", gate.reason)
}

func TestRejectCheckpoint_AlreadyDecided(t *testing.T) {
	gate := &mockGate{err: fmt.Errorf("%w: checkpoint is APPROVED", jobs.ErrInvalidStateTransition)}
	rec := httptest.NewRecorder()
	NewRejectCheckpointHandler(gate).ServeHTTP(rec, newReq(t, "POST", "/", nil, map[string]string{"checkpointID": uuid.NewString()}))

	assert.Equal(t, http.StatusConflict, rec.Code)
	code, _ := decodeErr(t, rec)
	assert.Equal(t, "INVALID_STATE", code)
}

// --- worker ---

func TestWorkerHandlers(t *testing.T) {
	c := &mockController{}

	rec := httptest.NewRecorder()
	NewWorkerStartHandler(c).ServeHTTP(rec, newReq(t, "POST", "/", nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	d := decodeData(t, rec)
	assert.Equal(t, true, d["running"])
	assert.Equal(t, float64(2), d["job_counts"].(map[string]any)["PENDING"])

	rec = httptest.NewRecorder()
	NewWorkerStopHandler(c).ServeHTTP(rec, newReq(t, "POST", "/", nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeData(t, rec)["running"])

	rec = httptest.NewRecorder()
	NewWorkerStatusHandler(&mockController{err: store.ErrUnavailable}).ServeHTTP(rec, newReq(t, "GET", "/", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- health ---

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(pinger{}, pinger{}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeData(t, rec)["status"])

	rec = httptest.NewRecorder()
	NewHealthHandler(pinger{}, pinger{err: errors.New("redis down")}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	code, _ := decodeErr(t, rec)
	assert.Equal(t, "DEGRADED", code)
}

// --- keys ---

type mockKeys struct {
	created []*models.APIKey
	dupes   int
}

func (m *mockKeys) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	if m.dupes > 0 {
		m.dupes--
		return store.ErrDuplicateKey
	}
	m.created = append(m.created, key)
	return nil
}

func (m *mockKeys) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	return m.created, nil
}

func (m *mockKeys) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	for _, k := range m.created {
		if k.ID == id {
			return nil
		}
	}
	return store.ErrNotFound
}

func TestCreateKey_RetriesPrefixCollision(t *testing.T) {
	keys := &mockKeys{dupes: 1}
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(keys).ServeHTTP(rec, newReq(t, "POST", "/", map[string]any{"name": "ci", "scopes": []string{"admin"}}, nil))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, keys.created, 1)
	d := decodeData(t, rec)
	assert.Equal(t, "alice", d["user_id"])
	assert.Equal(t, keys.created[0].KeyPrefix, d["key"].(string)[:8])
	assert.Equal(t, []any{"admin"}, d["scopes"])
}

func TestCreateKey_GivesUpAfterRepeatedCollisions(t *testing.T) {
	keys := &mockKeys{dupes: keyCreateAttempts}
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(keys).ServeHTTP(rec, newReq(t, "POST", "/", map[string]any{"name": "ci"}, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRevokeKey(t *testing.T) {
	keys := &mockKeys{created: []*models.APIKey{{ID: uuid.New(), CreatedAt: time.Now()}}}

	rec := httptest.NewRecorder()
	NewRevokeKeyHandler(keys).ServeHTTP(rec, newReq(t, "DELETE", "/", nil, map[string]string{"keyID": keys.created[0].ID.String()}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	NewRevokeKeyHandler(keys).ServeHTTP(rec, newReq(t, "DELETE", "/", nil, map[string]string{"keyID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
