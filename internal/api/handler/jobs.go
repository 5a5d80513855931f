package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/api/response"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// JobService defines the caller-side job operations the handlers depend on.
type JobService interface {
	SubmitTask(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	ListJobs(ctx context.Context, p jobs.Principal, filter store.JobFilter) ([]*models.Job, int, error)
	GetJob(ctx context.Context, p jobs.Principal, id uuid.UUID) (*jobs.Detail, error)
	JobStatus(ctx context.Context, p jobs.Principal, id uuid.UUID) (models.JobStatus, error)
	CancelJob(ctx context.Context, p jobs.Principal, id uuid.UUID) (*models.Job, error)
	RetryJob(ctx context.Context, p jobs.Principal, id uuid.UUID) (*models.Job, error)
}

type submitRequest struct {
	Instruction string          `json:"instruction"`
	Context     json.RawMessage `json:"context"`
	Priority    *int            `json:"priority"`
	JobType     string          `json:"job_type"`
	MaxAttempts int             `json:"max_attempts"`
}

type submitResponse struct {
	JobID          uuid.UUID        `json:"job_id"`
	OrchestratorID *string          `json:"orchestrator_id"`
	Status         models.JobStatus `json:"status"`
	Priority       int              `json:"priority"`
}

type statusResponse struct {
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The job is stored PENDING and executed asynchronously; the response is 202.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.SubmitTask(r.Context(), jobs.SubmitRequest{
			UserID:      p.UserID,
			Instruction: req.Instruction,
			Context:     req.Context,
			Priority:    req.Priority,
			JobType:     req.JobType,
			MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Accepted(w, submitResponse{
			JobID:          job.ID,
			OrchestratorID: job.OrchestratorID,
			Status:         job.Status,
			Priority:       job.Priority,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Callers see their own jobs; admins may filter by user_id.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}

		page, ok := queryInt(r, "page")
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be an integer", nil)
			return
		}
		limit, ok := queryInt(r, "limit")
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer", nil)
			return
		}

		q := r.URL.Query()
		filter := store.JobFilter{
			UserID:  q.Get("user_id"),
			Status:  models.JobStatus(q.Get("status")),
			JobType: q.Get("job_type"),
			Page:    page,
			Limit:   limit,
		}.Normalize()

		list, total, err := svc.ListJobs(r.Context(), p, filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Collection(w, list, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		detail, err := svc.GetJob(r.Context(), p, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		status, err := svc.JobStatus(r.Context(), p, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, statusResponse{JobID: id, Status: status})
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// A running job is returned still RUNNING with cancel_requested set.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return jobAction(svc.CancelJob)
}

// NewRetryJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return jobAction(svc.RetryJob)
}

func jobAction(op func(context.Context, jobs.Principal, uuid.UUID) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := op(r.Context(), p, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}
