// Package hardening refuses to start a production-like deployment with an
// insecure configuration.
package hardening

import (
	"errors"
	"fmt"
	"strings"

	"guardrail/pkg/config"
)

const minSecretLen = 32

// ValidateProduction returns every violation at once. It is a no-op outside
// production-like environments or when strict security is switched off.
func ValidateProduction(cfg *config.Config) error {
	if cfg == nil || !cfg.Service.IsProductionLike() || !cfg.Service.StrictSecurity {
		return nil
	}
	service := strings.TrimSpace(cfg.Service.Name)
	if service == "" {
		service = "guardrail"
	}
	var errs []error
	for _, v := range violations(cfg) {
		errs = append(errs, fmt.Errorf("%s: %s", service, v))
	}
	return errors.Join(errs...)
}

func violations(cfg *config.Config) []string {
	var out []string
	fail := func(format string, args ...any) {
		out = append(out, fmt.Sprintf(format, args...))
	}
	if !cfg.Database.RequireTLS {
		fail("production requires database.require_tls=true")
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		if !cfg.Redis.RequireTLS {
			fail("production requires redis.require_tls=true")
		}
		if cfg.Redis.TLSInsecure {
			fail("production forbids redis.tls_insecure")
		}
	}
	if cfg.RateLimit.Backend == "memory" {
		fail("production forbids the in-memory rate limiter")
	}
	if len(cfg.Auth.JWTSecret) < minSecretLen {
		fail("production requires auth.jwt_secret of at least %d bytes", minSecretLen)
	}
	if strings.TrimSpace(cfg.Audit.HashSalt) == "" {
		fail("production requires audit.hash_salt")
	}
	if cfg.Suspension.FailOpen {
		fail("production forbids suspension.fail_open")
	}
	if cfg.Escalation.CallbackAllowPrivate {
		fail("production forbids escalation.callback_allow_private")
	}
	if err := validateCORSOrigins(cfg.HTTP.CORSOrigins); err != nil {
		fail("%v", err)
	}
	return out
}

// Posture is the security summary served on /health/security. It never
// contains secrets, only whether they are set.
type Posture struct {
	Environment        string   `json:"environment"`
	ProductionLike     bool     `json:"production_like"`
	StrictSecurity     bool     `json:"strict_security"`
	DatabaseTLS        bool     `json:"database_tls"`
	RedisTLS           bool     `json:"redis_tls"`
	RateLimitBackend   string   `json:"rate_limit_backend"`
	AnonymousAllowed   bool     `json:"anonymous_allowed"`
	BearerTokens       bool     `json:"bearer_tokens"`
	AuditHashSalted    bool     `json:"audit_hash_salted"`
	SuspensionFailOpen bool     `json:"suspension_fail_open"`
	Violations         []string `json:"violations,omitempty"`
}

// Report evaluates the production rules regardless of environment so a
// development deployment can see what would block a production start.
func Report(cfg *config.Config) Posture {
	if cfg == nil {
		return Posture{}
	}
	return Posture{
		Environment:        cfg.Service.Environment,
		ProductionLike:     cfg.Service.IsProductionLike(),
		StrictSecurity:     cfg.Service.StrictSecurity,
		DatabaseTLS:        cfg.Database.RequireTLS,
		RedisTLS:           cfg.Redis.TLS,
		RateLimitBackend:   cfg.RateLimit.Backend,
		AnonymousAllowed:   cfg.Auth.AllowAnonymous,
		BearerTokens:       cfg.Auth.JWTSecret != "",
		AuditHashSalted:    cfg.Audit.HashSalt != "",
		SuspensionFailOpen: cfg.Suspension.FailOpen,
		Violations:         violations(cfg),
	}
}

func validateCORSOrigins(origins []string) error {
	valid := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return errors.New("CORS wildcard origin is forbidden")
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("localhost CORS origin %q is forbidden", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("CORS origin must be https, got %q", o)
		}
	}
	if valid == 0 {
		return errors.New("explicit http.cors_origins required")
	}
	return nil
}
