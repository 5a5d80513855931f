package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/agentgate/internal/jobs"
)

type contextKey string

const (
	principalKey    contextKey = "principal"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetPrincipal stores the authenticated caller in ctx.
func SetPrincipal(ctx context.Context, p jobs.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the caller set by Authenticate.
func GetPrincipal(r *http.Request) (jobs.Principal, bool) {
	p, ok := r.Context().Value(principalKey).(jobs.Principal)
	return p, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
