package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"guardrail/pkg/models"
)

// riskReadScript returns the decayed score without writing it back.
// KEYS[1] risk hash; ARGV half-life ms, now ms.
var riskReadScript = redis.NewScript(`
local half = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local data = redis.call("HMGET", KEYS[1], "score", "ts")
local score = tonumber(data[1]) or 0
local ts = tonumber(data[2]) or now
if now > ts and half > 0 then
  score = score * (0.5 ^ ((now - ts) / half))
end
return tostring(score)
`)

// riskRecordScript decays the stored score to now, adds ARGV[3] and clamps
// the sum to [0, 1].
var riskRecordScript = redis.NewScript(`
local half = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local add = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local data = redis.call("HMGET", KEYS[1], "score", "ts")
local score = tonumber(data[1]) or 0
local ts = tonumber(data[2]) or now
if now > ts and half > 0 then
  score = score * (0.5 ^ ((now - ts) / half))
end
score = score + add
if score > 1 then score = 1 end
if score < 0 then score = 0 end
redis.call("HSET", KEYS[1], "score", tostring(score), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)
return tostring(score)
`)

// RiskStore keeps a per-user abuse score in [0, 1] that halves every
// HalfLife.
type RiskStore struct {
	Client   redis.Scripter
	HalfLife time.Duration
	Prefix   string
	Timeout  time.Duration
	now      func() time.Time
}

func NewRiskStore(client redis.Scripter, halfLife time.Duration) *RiskStore {
	if halfLife <= 0 {
		halfLife = 6 * time.Hour
	}
	return &RiskStore{Client: client, HalfLife: halfLife, Prefix: "risk:", Timeout: 50 * time.Millisecond, now: time.Now}
}

// Weight is the risk added by one outcome of the given severity.
func Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityLow:
		return 0.05
	case models.SeverityMedium:
		return 0.1
	case models.SeverityHigh:
		return 0.25
	case models.SeverityCritical:
		return 0.5
	default:
		return 0
	}
}

func (s *RiskStore) Score(ctx context.Context, userID string) (float64, error) {
	return s.run(ctx, riskReadScript, userID, s.HalfLife.Milliseconds(), s.clock().UnixMilli())
}

// Record adds the weight of sev to the user's score and returns the new
// score.
func (s *RiskStore) Record(ctx context.Context, userID string, sev models.Severity) (float64, error) {
	w := Weight(sev)
	if w == 0 {
		return s.Score(ctx, userID)
	}
	ttl := (16 * s.HalfLife).Milliseconds()
	return s.run(ctx, riskRecordScript, userID,
		s.HalfLife.Milliseconds(), s.clock().UnixMilli(), strconv.FormatFloat(w, 'f', -1, 64), ttl)
}

func (s *RiskStore) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *RiskStore) run(ctx context.Context, script *redis.Script, userID string, args ...any) (float64, error) {
	if s.Client == nil {
		return 0, fmt.Errorf("%w: redis client not configured", ErrBackendUnavailable)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	raw, err := script.Run(ctx, s.Client, []string{s.Prefix + userID}, args...).Text()
	if err != nil {
		return 0, fmt.Errorf("%w: risk: %v", ErrBackendUnavailable, err)
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: risk reply %q", ErrBackendUnavailable, raw)
	}
	return clampRisk(score), nil
}
