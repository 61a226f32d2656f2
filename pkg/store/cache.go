package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = redis.Nil

// Cache is the short-lived key/value surface behind request results and
// callback deduplication. A ttl of zero means the key does not expire.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// GetJSON loads key into v. Misses are returned as ErrMiss unwrapped so
// callers can map them to their own not-found error.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

type RedisCache struct{ client redis.UniversalClient }

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryCache backs tests and single-process local runs. Expired entries
// are dropped when they are next touched.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	value    string
	deadline time.Time
}

func (e entry) live(now time.Time) bool {
	return e.deadline.IsZero() || now.Before(e.deadline)
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]entry{}, now: time.Now}
}

func (m *MemoryCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookupLocked returns the live entry for key, evicting it if it expired.
func (m *MemoryCache) lookupLocked(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(m.now()) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *MemoryCache) SetNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.entries[key] = entry{value: value, deadline: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(key)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, deadline: m.deadline(ttl)}
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len reports stored entries, including expired ones not yet touched.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
