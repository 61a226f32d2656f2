// Package gateway is the HTTP surface. POST /v1/infer runs the admission
// pipeline (authenticate, suspension, rate limit, validate, pre-check,
// enqueue) and stops at the first refusal. Health and metrics routes bypass
// the pipeline.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guardrail/pkg/circuit"
	"guardrail/pkg/detect"
	"guardrail/pkg/escalation"
	"guardrail/pkg/hardening"
	"guardrail/pkg/httpx"
	"guardrail/pkg/metrics"
	"guardrail/pkg/models"
	"guardrail/pkg/queue"
	"guardrail/pkg/ratelimit"
	"guardrail/pkg/stream"
	"guardrail/pkg/suspension"
	"guardrail/pkg/telemetry"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request, clientIP string) (models.UserIdentity, error)
}

type SuspensionChecker interface {
	Check(ctx context.Context, userID string) (suspension.Status, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

type RiskScorer interface {
	Score(ctx context.Context, userID string) (float64, error)
}

type Detector interface {
	Detect(ctx context.Context, text string, dc detect.Context) (models.DetectionResult, error)
}

type Queue interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

type ResultStore interface {
	Get(ctx context.Context, requestID string) (models.Result, error)
	Put(ctx context.Context, r models.Result) error
}

type AuditLog interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

type Reviewer interface {
	Review(ctx context.Context, caseID string, d escalation.Decision, reviewerID string) (models.EscalationCase, error)
	Pending(ctx context.Context, limit int) ([]models.EscalationCase, error)
}

// HealthCheck reports one dependency for GET /health.
type HealthCheck func(ctx context.Context) error

type Options struct {
	ServiceName        string
	MaxBodyBytes       int64
	Features           []string
	Callbacks          escalation.CallbackPolicy
	CORSOrigins        []string
	WSOrigins          []string
	TrustedProxies     []netip.Prefix
	ReviewerRole       string
	SuspensionFailOpen bool
	EnqueueTimeout     time.Duration
	AuditTimeout       time.Duration
	HashSalt           []byte
	HealthTimeout      time.Duration
}

type Server struct {
	Auth        Authenticator
	Suspensions SuspensionChecker
	Limiter     RateLimiter
	Risk        RiskScorer
	Detector    Detector
	Queue       Queue
	Results     ResultStore
	Audit       AuditLog
	Reviews     Reviewer
	Breakers    *circuit.Registry
	Hub         *stream.Hub
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Health      map[string]HealthCheck
	Security    hardening.Posture
	Options     Options
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Routes builds the router. Middleware order follows the request: CORS,
// security headers, correlation ID, metrics, tracing.
func (s *Server) Routes() http.Handler {
	if s.Metrics == nil {
		s.Metrics = metrics.NewRegistry()
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Options.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.RequestID)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(s.serviceName()))

	r.Get("/health", s.handleHealth)
	r.Get("/health/security", s.handleSecurity)
	r.Get("/health/circuit-breakers", s.handleCircuits)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.Get("/queue/depth", s.handleQueueDepth)

	r.Post("/v1/infer", s.handleInfer)
	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Get("/v1/status/{request_id}", s.handleStatus)
		r.Post("/v1/review", s.requireReviewer(s.handleReview))
		r.Get("/v1/review/pending", s.requireReviewer(s.handlePending))
		r.Get("/v1/events", s.requireReviewer(s.handleEvents))
		r.Post("/v1/circuit-breakers/{key}/reset", s.requireTier(models.TierPrivileged, s.handleCircuitReset))
	})
	return r
}

func (s *Server) serviceName() string {
	if s.Options.ServiceName == "" {
		return "gateway"
	}
	return s.Options.ServiceName
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket upgrade on /v1/events.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route != "" {
			route = r.Method + " " + route
		}
		s.Metrics.ObserveRequest(route, rec.code, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.Options.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	deps := map[string]string{}
	status := http.StatusOK
	for name, check := range s.Health {
		if err := check(ctx); err != nil {
			deps[name] = "unavailable"
			status = http.StatusServiceUnavailable
			s.logger().Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	httpx.WriteJSON(w, status, map[string]any{"status": state, "service": s.serviceName(), "dependencies": deps})
}

func (s *Server) handleSecurity(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Security)
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	if s.Breakers == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"circuits": []circuit.Snapshot{}})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"circuits": s.Breakers.Snapshot()})
}

func (s *Server) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	d, err := s.Queue.Depth(r.Context())
	if err != nil {
		s.logger().Warn("queue depth failed", zap.Error(err))
		httpx.Error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.Metrics.QueueDepth(d.Length, d.Pending, d.DeadLetters)
	httpx.WriteJSON(w, http.StatusOK, d)
}

// ParseTrustedProxies parses CIDRs and bare addresses.
func ParseTrustedProxies(raw []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// clientIP trusts X-Forwarded-For and X-Real-IP only when the direct peer is
// a configured proxy.
func (s *Server) clientIP(r *http.Request) string {
	remote := parseIP(r.RemoteAddr)
	if remote != "" && s.isTrustedProxy(remote) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := parseIP(first); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if remote == "" {
		return "unknown"
	}
	return remote
}

func (s *Server) isTrustedProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.Options.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		addr = host
	}
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip.Unmap().String()
	}
	return ""
}
