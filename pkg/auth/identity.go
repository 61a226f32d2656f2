// Package auth resolves the caller identity for a request: bearer JWT, then
// API key, then an anonymous identity keyed by client IP.
package auth

import (
	"context"
	"strings"

	"guardrail/pkg/models"
)

type contextKey string

const identityContextKey contextKey = "guardrail.identity"

func WithIdentity(ctx context.Context, id models.UserIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (models.UserIdentity, bool) {
	id, ok := ctx.Value(identityContextKey).(models.UserIdentity)
	return id, ok
}

func HasAnyRole(id models.UserIdentity, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, rr := range required {
		if id.HasRole(strings.TrimSpace(rr)) {
			return true
		}
	}
	return false
}

// IsAnonymous reports whether the identity was derived from the client IP.
func IsAnonymous(id models.UserIdentity) bool {
	return strings.HasPrefix(id.ID, AnonymousPrefix)
}
