package app

import (
	"context"
	"fmt"
	"net/url"

	"guardrail/pkg/gateway"
	"guardrail/pkg/hardening"
)

// HealthChecks pings the two stores every request path depends on.
func (s *ServiceContext) HealthChecks() map[string]gateway.HealthCheck {
	return map[string]gateway.HealthCheck{
		"redis": func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() },
		"postgres": func(ctx context.Context) error {
			var one int
			return s.DB.QueryRow(ctx, "SELECT 1").Scan(&one)
		},
	}
}

// Gateway returns the HTTP server for the admission pipeline.
func (s *ServiceContext) Gateway() (*gateway.Server, error) {
	cfg := s.Config
	proxies, err := gateway.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("http.trusted_proxies: %w", err)
	}
	return &gateway.Server{
		Auth:        s.Auth,
		Suspensions: s.Suspensions,
		Limiter:     s.Limiter,
		Risk:        s.Risk,
		Detector:    s.Detector,
		Queue:       s.Queue,
		Results:     s.Results,
		Audit:       s.Audit,
		Reviews:     s.Escalations,
		Breakers:    s.Breakers,
		Hub:         s.Hub,
		Metrics:     s.Metrics,
		Logger:      s.Logger.Named("gateway"),
		Health:      s.HealthChecks(),
		Security:    hardening.Report(cfg),
		Options: gateway.Options{
			ServiceName:        cfg.Service.Name,
			MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
			Features:           cfg.RateLimit.Features,
			Callbacks:          s.Escalations.Callbacks,
			CORSOrigins:        cfg.HTTP.CORSOrigins,
			WSOrigins:          originHosts(cfg.HTTP.CORSOrigins),
			TrustedProxies:     proxies,
			ReviewerRole:       cfg.Auth.ReviewerRole,
			SuspensionFailOpen: cfg.Suspension.FailOpen,
			EnqueueTimeout:     cfg.Queue.EnqueueTimeout,
			AuditTimeout:       cfg.Audit.Timeout,
			HashSalt:           []byte(cfg.Audit.HashSalt),
		},
	}, nil
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
