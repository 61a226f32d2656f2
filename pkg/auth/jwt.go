package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"guardrail/pkg/models"
)

// Claims is the bearer token payload. Tier falls back to USER for a signed
// token that does not name one.
type Claims struct {
	Tier  string   `json:"tier,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type TokenVerifier struct {
	Secret   []byte
	Issuer   string
	Audience string
	now      func() time.Time
}

func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{Secret: []byte(secret), Issuer: issuer, Audience: audience, now: time.Now}
}

func (v *TokenVerifier) Verify(raw string) (models.UserIdentity, error) {
	if len(v.Secret) == 0 {
		return models.UserIdentity{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.now))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return models.UserIdentity{}, fmt.Errorf("verify token: %w", err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" || strings.HasPrefix(sub, AnonymousPrefix) {
		return models.UserIdentity{}, errors.New("verify token: subject required")
	}
	tier := models.TierUser
	if claims.Tier != "" {
		tier = models.ParseTrustTier(claims.Tier)
	}
	return models.UserIdentity{ID: sub, TrustTier: tier, Roles: claims.Roles}, nil
}

// Issue signs a token for id that Verify accepts until ttl elapses. It backs
// operator tooling; end-user tokens normally come from the identity provider.
func (v *TokenVerifier) Issue(id models.UserIdentity, ttl time.Duration) (string, error) {
	if len(v.Secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(id.ID) == "" || strings.HasPrefix(id.ID, AnonymousPrefix) {
		return "", errors.New("issue token: subject required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	if v.now != nil {
		now = v.now()
	}
	claims := Claims{
		Tier:  string(id.TrustTier),
		Roles: id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    v.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}
