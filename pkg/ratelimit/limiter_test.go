package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"guardrail/pkg/models"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func backends(t *testing.T) map[string]Backend {
	client, _ := newRedisClient(t)
	return map[string]Backend{
		"redis":  NewRedis(client),
		"memory": NewInMemory(),
	}
}

func TestAnonymousTwentyFirstRequestDenied(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			lim := New(backend, Options{Timeout: time.Second})
			lim.now = clock.now
			req := Request{UserID: "anon:10.0.0.1", TrustTier: models.TierAnon, Feature: "chat"}

			for i := 1; i <= 20; i++ {
				dec, err := lim.Allow(context.Background(), req)
				if err != nil || !dec.Allowed {
					t.Fatalf("request %d: expected allowed, got %+v %v", i, dec, err)
				}
				if dec.Remaining != 20-i || dec.Capacity != 20 {
					t.Fatalf("request %d: unexpected remaining/capacity %+v", i, dec)
				}
			}
			dec, err := lim.Allow(context.Background(), req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.Allowed || dec.Remaining != 0 || dec.Reason != ReasonExhausted {
				t.Fatalf("expected 21st request denied with remaining 0, got %+v", dec)
			}
			if !dec.ResetAt.After(clock.t) || dec.RetryAfter(clock.t) < 1 {
				t.Fatalf("expected reset in the future, got %v", dec.ResetAt)
			}

			other, err := lim.Allow(context.Background(), Request{UserID: req.UserID, TrustTier: models.TierAnon, Feature: "search"})
			if err != nil || !other.Allowed {
				t.Fatalf("buckets must be per feature, got %+v %v", other, err)
			}
		})
	}
}

func TestBucketRefillsOverWindow(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
			lim := New(backend, Options{Window: 20 * time.Second, Tiers: map[models.TrustTier]int{models.TierAnon: 2}})
			lim.now = clock.now
			req := Request{UserID: "u", TrustTier: models.TierAnon, Feature: "chat"}
			for i := 0; i < 2; i++ {
				if dec, _ := lim.Allow(context.Background(), req); !dec.Allowed {
					t.Fatalf("expected token %d", i)
				}
			}
			if dec, _ := lim.Allow(context.Background(), req); dec.Allowed {
				t.Fatalf("expected empty bucket")
			}
			clock.t = clock.t.Add(10 * time.Second)
			if dec, err := lim.Allow(context.Background(), req); err != nil || !dec.Allowed {
				t.Fatalf("expected one token refilled after half a window, got %+v %v", dec, err)
			}
			if dec, _ := lim.Allow(context.Background(), req); dec.Allowed {
				t.Fatalf("expected only one refilled token")
			}
		})
	}
}

func TestConcurrentBurstNeverExceedsCapacity(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lim := New(backend, Options{Timeout: 5 * time.Second, Tiers: map[models.TrustTier]int{models.TierUser: 10}})
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 60; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dec, err := lim.Allow(context.Background(), Request{UserID: "u1", TrustTier: models.TierUser, Feature: "chat"})
					if err != nil {
						t.Errorf("allow: %v", err)
						return
					}
					if dec.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := allowed.Load(); got != 10 {
				t.Fatalf("expected exactly 10 admitted requests, got %d", got)
			}
		})
	}
}

func TestRiskScalesCapacity(t *testing.T) {
	client, mr := newRedisClient(t)
	lim := New(NewRedis(client), Options{})

	dec, err := lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierUser, Feature: "chat", RiskScore: 0.75})
	if err != nil || !dec.Allowed || dec.Capacity != 250 || dec.AdjustedRisk != 0.75 {
		t.Fatalf("expected capacity 250 at risk 0.75, got %+v %v", dec, err)
	}

	dec, err = lim.Allow(context.Background(), Request{UserID: "u2", TrustTier: models.TierUser, Feature: "chat", RiskScore: 3})
	if err != nil || dec.Allowed || dec.Capacity != 0 || dec.Remaining != 0 || dec.AdjustedRisk != 1 || dec.Reason != ReasonRisk {
		t.Fatalf("expected clamped risk 1 to deny, got %+v %v", dec, err)
	}
	if mr.Exists("rl:u2:chat") {
		t.Fatalf("zero-capacity denial must not touch the bucket")
	}

	if got := lim.Capacity(models.TierAnon, -2); got != 20 {
		t.Fatalf("negative risk must clamp to 0, capacity %d", got)
	}
	if got := lim.Capacity(models.TrustTier("ROOT"), 0); got != 20 {
		t.Fatalf("unknown tier must use anonymous baseline, got %d", got)
	}
}

func TestBackendUnavailableDeniesEverything(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()
	lim := New(NewRedis(client), Options{Timeout: 50 * time.Millisecond})

	for i := 0; i < 100; i++ {
		dec, err := lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierPrivileged, Feature: "chat"})
		if dec.Allowed {
			t.Fatalf("request %d admitted while backend is down", i)
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("request %d: expected ErrBackendUnavailable, got %v", i, err)
		}
	}

	if dec, err := New(nil, Options{}).Allow(context.Background(), Request{UserID: "u"}); dec.Allowed || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("nil backend must fail closed, got %+v %v", dec, err)
	}
	if dec, err := New(&RedisLimiter{}, Options{}).Allow(context.Background(), Request{UserID: "u"}); dec.Allowed || !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("nil client must fail closed, got %+v %v", dec, err)
	}
}

func TestMalformedScriptReplyFailsClosed(t *testing.T) {
	client, _ := newRedisClient(t)
	lim := New(NewRedis(client), Options{})

	for _, body := range []string{`return "bad-value"`, `return {1}`, `return {1, "x", 0}`} {
		original := tokenBucketScript
		tokenBucketScript = redis.NewScript(body)
		dec, err := lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierUser})
		tokenBucketScript = original
		if dec.Allowed || !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("script %q: expected fail closed, got %+v %v", body, dec, err)
		}
	}
}

func TestIPGuardLayeredOnLimiter(t *testing.T) {
	guard, err := NewIPGuard([]string{"203.0.113.0/24", "198.51.100.7"}, 1, 2)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	lim := New(NewInMemory(), Options{IPGuard: guard})

	dec, err := lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierUser, IP: "203.0.113.9"})
	if err != nil || dec.Allowed || dec.Reason != ReasonIPBlocked {
		t.Fatalf("expected blocked network, got %+v %v", dec, err)
	}
	if err := guard.Check("198.51.100.7"); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("single address entry must block, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if dec, _ := lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierUser, IP: "192.0.2.1"}); !dec.Allowed {
			t.Fatalf("burst request %d denied", i)
		}
	}
	dec, _ = lim.Allow(context.Background(), Request{UserID: "u", TrustTier: models.TierUser, IP: "192.0.2.1"})
	if dec.Allowed || dec.Reason != ReasonIPVelocity {
		t.Fatalf("expected velocity denial, got %+v", dec)
	}
}
