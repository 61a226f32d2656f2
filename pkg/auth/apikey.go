package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"guardrail/pkg/models"
)

var ErrUnknownKey = errors.New("unknown api key")

// APIKeyStore keeps API key identities in Redis hashes keyed by the
// SHA-256 of the key. The raw key is never stored.
type APIKeyStore struct {
	Client redis.UniversalClient
	Prefix string
}

func NewAPIKeyStore(client redis.UniversalClient, prefix string) *APIKeyStore {
	if prefix == "" {
		prefix = "apikey:"
	}
	return &APIKeyStore{Client: client, Prefix: prefix}
}

func (s *APIKeyStore) key(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return s.Prefix + hex.EncodeToString(sum[:])
}

func (s *APIKeyStore) Register(ctx context.Context, rawKey string, id models.UserIdentity) error {
	if strings.TrimSpace(rawKey) == "" || id.ID == "" {
		return errors.New("api key and user id required")
	}
	return s.Client.HSet(ctx, s.key(rawKey),
		"user_id", id.ID,
		"tier", string(id.TrustTier),
		"roles", strings.Join(id.Roles, ","),
	).Err()
}

func (s *APIKeyStore) Revoke(ctx context.Context, rawKey string) error {
	return s.Client.Del(ctx, s.key(rawKey)).Err()
}

// Lookup returns ErrUnknownKey for a key that is not registered and a
// wrapped Redis error when the store cannot be reached.
func (s *APIKeyStore) Lookup(ctx context.Context, rawKey string) (models.UserIdentity, error) {
	if s == nil || s.Client == nil {
		return models.UserIdentity{}, errors.New("api key store not configured")
	}
	vals, err := s.Client.HGetAll(ctx, s.key(rawKey)).Result()
	if err != nil {
		return models.UserIdentity{}, fmt.Errorf("api key lookup: %w", err)
	}
	if vals["user_id"] == "" {
		return models.UserIdentity{}, ErrUnknownKey
	}
	id := models.UserIdentity{ID: vals["user_id"], TrustTier: models.ParseTrustTier(vals["tier"])}
	for _, r := range strings.Split(vals["roles"], ",") {
		if r = strings.TrimSpace(r); r != "" {
			id.Roles = append(id.Roles, r)
		}
	}
	return id, nil
}
