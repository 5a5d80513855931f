package handler

import (
	"context"
	"log/slog"
	"net/http"

	mw "github.com/kiranshivaraju/agentgate/internal/api/middleware"
	"github.com/kiranshivaraju/agentgate/internal/api/response"
	"github.com/kiranshivaraju/agentgate/internal/worker"
)

// WorkerController defines the worker admin operations the handlers depend on.
type WorkerController interface {
	Start(ctx context.Context) (*worker.Status, error)
	Stop(ctx context.Context) (*worker.Status, error)
	Status(ctx context.Context) (*worker.Status, error)
}

// NewWorkerStartHandler returns an http.HandlerFunc for POST /api/v1/admin/worker/start.
func NewWorkerStartHandler(c WorkerController) http.HandlerFunc {
	return workerAction(c.Start, "worker started via admin api")
}

// NewWorkerStopHandler returns an http.HandlerFunc for POST /api/v1/admin/worker/stop.
// It returns once in-flight jobs have drained or the drain timeout passed.
func NewWorkerStopHandler(c WorkerController) http.HandlerFunc {
	return workerAction(c.Stop, "worker stopped via admin api")
}

// NewWorkerStatusHandler returns an http.HandlerFunc for GET /api/v1/admin/worker.
func NewWorkerStatusHandler(c WorkerController) http.HandlerFunc {
	return workerAction(c.Status, "")
}

func workerAction(op func(context.Context) (*worker.Status, error), logMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := op(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if logMsg != "" {
			p, _ := mw.GetPrincipal(r)
			slog.Info(logMsg, "user_id", p.UserID, "running", status.Running)
		}
		response.JSON(w, status)
	}
}
