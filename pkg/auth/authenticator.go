package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"guardrail/pkg/models"
)

const (
	AnonymousPrefix = "anon:"
	APIKeyHeader    = "X-API-Key"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("credentials required")
	ErrUnavailable        = errors.New("identity backend unavailable")
)

type KeyLookup interface {
	Lookup(ctx context.Context, rawKey string) (models.UserIdentity, error)
}

type Authenticator struct {
	Tokens         *TokenVerifier
	Keys           KeyLookup
	AllowAnonymous bool
	Timeout        time.Duration
}

// Authenticate resolves the caller. A credential that is present but wrong
// is never downgraded to anonymous.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, clientIP string) (models.UserIdentity, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
			return models.UserIdentity{}, fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidCredentials)
		}
		if a.Tokens == nil {
			return models.UserIdentity{}, fmt.Errorf("%w: bearer tokens not accepted", ErrInvalidCredentials)
		}
		id, err := a.Tokens.Verify(strings.TrimSpace(header[7:]))
		if err != nil {
			return models.UserIdentity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return id, nil
	}

	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if a.Keys == nil {
			return models.UserIdentity{}, fmt.Errorf("%w: api keys not accepted", ErrInvalidCredentials)
		}
		if a.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.Timeout)
			defer cancel()
		}
		id, err := a.Keys.Lookup(ctx, key)
		switch {
		case errors.Is(err, ErrUnknownKey):
			return models.UserIdentity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case err != nil:
			return models.UserIdentity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return id, nil
	}

	if !a.AllowAnonymous {
		return models.UserIdentity{}, ErrMissingCredentials
	}
	if clientIP == "" {
		clientIP = "unknown"
	}
	return models.UserIdentity{ID: AnonymousPrefix + clientIP, TrustTier: models.TierAnon}, nil
}
