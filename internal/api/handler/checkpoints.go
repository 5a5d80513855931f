package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentgate/internal/api/response"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

// CheckpointGate defines the checkpoint operations the handlers depend on.
type CheckpointGate interface {
	GetFor(ctx context.Context, p jobs.Principal, id uuid.UUID) (*models.Checkpoint, error)
	Approve(ctx context.Context, id uuid.UUID, reviewerID string) (*models.Checkpoint, error)
	Reject(ctx context.Context, id uuid.UUID, reviewerID, reason string) (*models.Checkpoint, error)
}

// NewGetCheckpointHandler returns an http.HandlerFunc for GET /api/v1/checkpoints/{checkpointID}.
func NewGetCheckpointHandler(gate CheckpointGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "checkpointID")
		if !ok {
			return
		}

		cp, err := gate.GetFor(r.Context(), p, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cp)
	}
}

// NewApproveCheckpointHandler returns an http.HandlerFunc for
// POST /api/v1/admin/checkpoints/{checkpointID}/approve. The reviewer is the caller.
func NewApproveCheckpointHandler(gate CheckpointGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "checkpointID")
		if !ok {
			return
		}

		cp, err := gate.Approve(r.Context(), id, p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cp)
	}
}

// NewRejectCheckpointHandler returns an http.HandlerFunc for
// POST /api/v1/admin/checkpoints/{checkpointID}/reject. The body is optional.
func NewRejectCheckpointHandler(gate CheckpointGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "checkpointID")
		if !ok {
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptional(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		cp, err := gate.Reject(r.Context(), id, p.UserID, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cp)
	}
}
