// Package circuit implements a per-key circuit breaker registry. State lives
// in an atomic pointer per key and every transition is a compare-and-swap, so
// callers on any goroutine see a single consistent state machine:
//
//	CLOSED --k consecutive failures--> OPEN --cooldown--> HALF_OPEN (one probe)
//	HALF_OPEN --probe ok--> CLOSED, cooldown reset
//	HALF_OPEN --probe failed--> OPEN, cooldown doubled up to MaxCooldown
package circuit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type StateName string

const (
	Closed   StateName = "CLOSED"
	Open     StateName = "OPEN"
	HalfOpen StateName = "HALF_OPEN"
)

var ErrOpen = errors.New("circuit open")

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

type state struct {
	name       StateName
	failures   int
	openedAt   time.Time
	cooldown   time.Duration
	probeSince time.Time
}

type breaker struct {
	key string
	st  atomic.Pointer[state]
}

// Snapshot is a point-in-time copy of one circuit.
type Snapshot struct {
	Key      string        `json:"key"`
	State    StateName     `json:"state"`
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown_ns"`
	OpenedAt *time.Time    `json:"opened_at,omitempty"`
	RetryAt  *time.Time    `json:"retry_at,omitempty"`
}

type Registry struct {
	cfg      Config
	breakers sync.Map
	now      func() time.Time

	// OnStateChange is called after every successful transition.
	OnStateChange func(key string, from, to StateName)
	// IsSuccess decides whether an Execute result counts as healthy. nil
	// treats only a nil error as success.
	IsSuccess func(error) bool
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.normalized(), now: time.Now}
}

func (r *Registry) get(key string) *breaker {
	if b, ok := r.breakers.Load(key); ok {
		return b.(*breaker)
	}
	b := &breaker{key: key}
	b.st.Store(&state{name: Closed, cooldown: r.cfg.Cooldown})
	actual, _ := r.breakers.LoadOrStore(key, b)
	return actual.(*breaker)
}

func (r *Registry) swap(b *breaker, old, next *state) bool {
	if !b.st.CompareAndSwap(old, next) {
		return false
	}
	if old.name != next.name && r.OnStateChange != nil {
		r.OnStateChange(b.key, old.name, next.name)
	}
	return true
}

// Allow returns nil when a call on key may proceed. Exactly one caller is
// admitted as the probe once an open circuit's cooldown has elapsed.
func (r *Registry) Allow(key string) error {
	b := r.get(key)
	for {
		s := b.st.Load()
		now := r.now()
		switch s.name {
		case Closed:
			return nil
		case Open:
			if now.Before(s.openedAt.Add(s.cooldown)) {
				return ErrOpen
			}
			next := *s
			next.name = HalfOpen
			next.probeSince = now
			if r.swap(b, s, &next) {
				return nil
			}
		case HalfOpen:
			// A probe that never reported back would pin the circuit; after
			// another cooldown a fresh probe is admitted.
			if now.Before(s.probeSince.Add(s.cooldown)) {
				return ErrOpen
			}
			next := *s
			next.probeSince = now
			if r.swap(b, s, &next) {
				return nil
			}
		}
	}
}

func (r *Registry) RecordSuccess(key string) {
	b := r.get(key)
	for {
		s := b.st.Load()
		switch s.name {
		case Open:
			// late result from a call admitted before the circuit opened
			return
		case Closed:
			if s.failures == 0 {
				return
			}
		}
		next := &state{name: Closed, cooldown: r.cfg.Cooldown}
		if r.swap(b, s, next) {
			return
		}
	}
}

func (r *Registry) RecordFailure(key string) {
	b := r.get(key)
	for {
		s := b.st.Load()
		now := r.now()
		var next state
		switch s.name {
		case Open:
			return
		case Closed:
			next = *s
			next.failures++
			if next.failures >= r.cfg.FailureThreshold {
				next.name = Open
				next.openedAt = now
			}
		case HalfOpen:
			next = *s
			next.name = Open
			next.failures++
			next.openedAt = now
			next.cooldown = min(s.cooldown*2, r.cfg.MaxCooldown)
		}
		if r.swap(b, s, &next) {
			return
		}
	}
}

// Reset forces the circuit closed with the base cooldown.
func (r *Registry) Reset(key string) {
	b := r.get(key)
	for {
		s := b.st.Load()
		if r.swap(b, s, &state{name: Closed, cooldown: r.cfg.Cooldown}) {
			return
		}
	}
}

func (r *Registry) Get(key string) Snapshot {
	b := r.get(key)
	return snapshotOf(b.key, b.st.Load())
}

func (r *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(k, v any) bool {
		b := v.(*breaker)
		out = append(out, snapshotOf(b.key, b.st.Load()))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func snapshotOf(key string, s *state) Snapshot {
	snap := Snapshot{Key: key, State: s.name, Failures: s.failures, Cooldown: s.cooldown}
	if s.name != Closed {
		opened := s.openedAt
		retry := s.openedAt.Add(s.cooldown)
		snap.OpenedAt = &opened
		snap.RetryAt = &retry
	}
	return snap
}

// Execute runs fn behind the circuit for key. When the circuit rejects the
// call fn is not invoked and the returned error wraps ErrOpen.
func (r *Registry) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := r.Allow(key); err != nil {
		return err
	}
	err := fn(ctx)
	healthy := err == nil
	if r.IsSuccess != nil {
		healthy = r.IsSuccess(err)
	}
	if healthy {
		r.RecordSuccess(key)
	} else {
		r.RecordFailure(key)
	}
	return err
}
