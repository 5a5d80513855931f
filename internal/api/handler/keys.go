package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/agentgate/internal/api/middleware"
	"github.com/kiranshivaraju/agentgate/internal/api/response"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/pkg/models"
)

const keyCreateAttempts = 3

// KeyManager defines the API key operations the admin handlers depend on.
type KeyManager interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

var knownScopes = map[string]bool{models.ScopeAdmin: true}

type createKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Name      string    `json:"name"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is only ever returned in this response.
func NewCreateKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}

		var req struct {
			Name   string   `json:"name"`
			UserID string   `json:"user_id"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required",
				map[string]string{"field": "name"})
			return
		}
		for _, s := range req.Scopes {
			if !knownScopes[s] {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "unknown scope "+s,
					map[string]string{"field": "scopes"})
				return
			}
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			userID = p.UserID
		}

		var (
			raw string
			key *models.APIKey
			err error
		)
		// Prefixes are short; retry on the rare collision with an active key.
		for i := 0; i < keyCreateAttempts; i++ {
			raw, err = mw.GenerateRawKey()
			if err == nil {
				key, err = mw.NewAPIKey(raw, userID, req.Name, req.Scopes)
			}
			if err == nil {
				err = keys.CreateAPIKey(r.Context(), key)
			}
			if !errors.Is(err, store.ErrDuplicateKey) {
				break
			}
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, createKeyResponse{
			ID:        key.ID,
			Key:       raw,
			KeyPrefix: key.KeyPrefix,
			Name:      key.Name,
			UserID:    key.UserID,
			Scopes:    key.Scopes,
			CreatedAt: key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, list)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(keys KeyManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "keyID")
		if !ok {
			return
		}
		if err := keys.RevokeAPIKey(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
