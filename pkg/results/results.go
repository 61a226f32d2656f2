// Package results stores the client-visible status of each request.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardrail/pkg/models"
	"guardrail/pkg/store"
)

var ErrNotFound = errors.New("result not found")

type Store struct {
	cache  store.Cache
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewStore(cache store.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{cache: cache, ttl: ttl, prefix: "result:", now: time.Now}
}

// Put overwrites the result for r.RequestID and stamps UpdatedAt.
func (s *Store) Put(ctx context.Context, r models.Result) error {
	if r.RequestID == "" {
		return errors.New("results: request id required")
	}
	r.UpdatedAt = s.now().UTC()
	if err := store.PutJSON(ctx, s.cache, s.prefix+r.RequestID, r, s.ttl); err != nil {
		return fmt.Errorf("store result %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, requestID string) (models.Result, error) {
	var r models.Result
	err := store.GetJSON(ctx, s.cache, s.prefix+requestID, &r)
	if errors.Is(err, store.ErrMiss) {
		return models.Result{}, ErrNotFound
	}
	if err != nil {
		return models.Result{}, fmt.Errorf("load result %s: %w", requestID, err)
	}
	return r, nil
}
