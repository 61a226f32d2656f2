// Package ratelimit enforces per-user, per-feature token buckets scaled by
// trust tier and risk. Every backend error denies the request.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"guardrail/pkg/models"
)

var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Denial reasons reported on Decision.Reason.
const (
	ReasonExhausted  = "exhausted"
	ReasonRisk       = "risk"
	ReasonIPBlocked  = "ip_blocked"
	ReasonIPVelocity = "ip_velocity"
)

type Request struct {
	UserID    string
	TrustTier models.TrustTier
	Feature   string
	IP        string
	RiskScore float64
}

type Decision struct {
	Allowed      bool
	Remaining    int
	Capacity     int
	ResetAt      time.Time
	AdjustedRisk float64
	Reason       string
}

// RetryAfter is the whole number of seconds a denied caller should wait,
// never less than one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	return max(secs, 1)
}

// BucketState is the outcome of taking one token from a bucket.
type BucketState struct {
	Allowed   bool
	Remaining int
	// ResetAfter is the time until the next token is available.
	ResetAfter time.Duration
}

// Backend stores token buckets. Take must be atomic per key.
type Backend interface {
	Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (BucketState, error)
}

type Options struct {
	Tiers   map[models.TrustTier]int
	Window  time.Duration
	Timeout time.Duration
	IPGuard *IPGuard
}

type Limiter struct {
	backend Backend
	opts    Options
	now     func() time.Time
}

func New(backend Backend, opts Options) *Limiter {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 50 * time.Millisecond
	}
	if opts.Tiers == nil {
		opts.Tiers = DefaultTiers()
	}
	return &Limiter{backend: backend, opts: opts, now: time.Now}
}

func DefaultTiers() map[models.TrustTier]int {
	return map[models.TrustTier]int{
		models.TierAnon:       20,
		models.TierUser:       1000,
		models.TierVerified:   10000,
		models.TierPrivileged: 100000,
	}
}

// Capacity returns floor(base * (1 - risk)) for the tier. Unknown tiers get
// the anonymous baseline.
func (l *Limiter) Capacity(tier models.TrustTier, risk float64) int {
	base, ok := l.opts.Tiers[tier]
	if !ok {
		base = l.opts.Tiers[models.TierAnon]
	}
	return int(math.Floor(float64(base) * (1 - clampRisk(risk))))
}

// Allow takes one token for the request. The returned Decision is always a
// denial when err is non-nil.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	now := l.now().UTC()
	risk := clampRisk(req.RiskScore)
	capacity := l.Capacity(req.TrustTier, risk)
	dec := Decision{Capacity: capacity, AdjustedRisk: risk, ResetAt: now.Add(l.opts.Window)}

	if g := l.opts.IPGuard; g != nil {
		switch err := g.Check(req.IP); {
		case errors.Is(err, ErrIPBlocked):
			dec.Reason = ReasonIPBlocked
			return dec, nil
		case err != nil:
			dec.Reason = ReasonIPVelocity
			dec.ResetAt = now.Add(time.Second)
			return dec, nil
		}
	}
	if capacity <= 0 {
		dec.Reason = ReasonRisk
		return dec, nil
	}
	if l.backend == nil {
		return dec, fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	st, err := l.backend.Take(ctx, BucketKey(req.UserID, req.Feature), capacity, l.opts.Window, now)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			return dec, err
		}
		return dec, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	dec.Allowed = st.Allowed
	dec.Remaining = st.Remaining
	dec.ResetAt = now.Add(st.ResetAfter)
	if !st.Allowed {
		dec.Reason = ReasonExhausted
	}
	return dec, nil
}

// BucketKey is "{user}:{feature}"; backends add their own prefix.
func BucketKey(userID, feature string) string {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		feature = "default"
	}
	return userID + ":" + feature
}

func clampRisk(r float64) float64 {
	if math.IsNaN(r) || r < 0 {
		return 0
	}
	return min(r, 1)
}

// refillPerMs is the token refill rate for a bucket of the given capacity.
func refillPerMs(capacity int, window time.Duration) float64 {
	ms := window.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return float64(capacity) / float64(ms)
}

// InMemoryLimiter is a process-local Backend for tests and local runs.
type InMemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	ts     time.Time
	window time.Duration
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{buckets: make(map[string]*bucket)}
}

func (l *InMemoryLimiter) Take(_ context.Context, key string, capacity int, window time.Duration, now time.Time) (BucketState, error) {
	rate := refillPerMs(capacity, window)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(capacity), ts: now}
		l.buckets[key] = b
	}
	b.window = window
	if elapsed := now.Sub(b.ts); elapsed > 0 {
		b.tokens += float64(elapsed.Milliseconds()) * rate
		b.ts = now
	}
	b.tokens = min(b.tokens, float64(capacity))

	st := BucketState{}
	if b.tokens >= 1 {
		b.tokens--
		st.Allowed = true
	}
	st.Remaining = int(math.Floor(b.tokens))
	if b.tokens < 1 && rate > 0 {
		st.ResetAfter = time.Duration(math.Ceil((1-b.tokens)/rate)) * time.Millisecond
	}
	return st, nil
}

// cleanup drops buckets idle for a full window; they would be full again.
func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.ts) >= b.window {
			delete(l.buckets, k)
		}
	}
}
