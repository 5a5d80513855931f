package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/agentgate/internal/api/middleware"
	"github.com/kiranshivaraju/agentgate/internal/api/response"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
)

// writeError maps a service error to its HTTP status. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, jobs.ErrRetriesExhausted):
		response.Error(w, http.StatusConflict, "RETRIES_EXHAUSTED",
			"The job has used all of its attempts", nil)
	case errors.Is(err, jobs.ErrInvalidStateTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE",
			"The resource is not in a state that allows this operation", nil)
	case errors.Is(err, store.ErrUnavailable):
		slog.Warn("store unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"The job store is temporarily unavailable", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func principal(w http.ResponseWriter, r *http.Request) (jobs.Principal, bool) {
	p, ok := mw.GetPrincipal(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
	}
	return p, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
