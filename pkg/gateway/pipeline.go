package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guardrail/pkg/apierr"
	"guardrail/pkg/audit"
	"guardrail/pkg/auth"
	"guardrail/pkg/detect"
	"guardrail/pkg/httpx"
	"guardrail/pkg/models"
	"guardrail/pkg/ratelimit"
	"guardrail/pkg/rules"
	"guardrail/pkg/suspension"
)

// Pipeline steps, reported in logs and refusal audits.
const (
	stepAuthenticate = "authenticate"
	stepSuspension   = "suspension"
	stepRateLimit    = "rate_limit"
	stepValidate     = "validate"
	stepPreCheck     = "pre_check"
	stepEnqueue      = "enqueue"
)

type inferRequest struct {
	Feature     string `json:"feature"`
	Input       string `json:"input"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type inferResponse struct {
	RequestID string               `json:"request_id"`
	Status    models.RequestStatus `json:"status"`
	Escalate  bool                 `json:"escalate"`
}

// admission is the state of one /v1/infer call as it moves through the
// pipeline.
type admission struct {
	requestID string
	start     time.Time
	ip        string
	identity  models.UserIdentity
	body      inferRequest
	readErr   error
	parseErr  error
	detection models.DetectionResult
	step      string
	decision  string
	reason    string
	status    int
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	// The request ID keys the result and the audit trail, so it is always
	// minted here rather than taken from the client.
	a := &admission{requestID: uuid.NewString(), start: time.Now(), ip: s.clientIP(r)}
	ctx := httpx.WithRequestID(r.Context(), a.requestID)
	r = r.WithContext(ctx)
	w.Header().Set(httpx.RequestIDHeader, a.requestID)
	defer s.logAdmission(a)

	a.step = stepAuthenticate
	id, err := s.Auth.Authenticate(ctx, r, a.ip)
	if err != nil {
		e := apierr.Authentication(err)
		if errors.Is(err, auth.ErrUnavailable) {
			e = apierr.Dependency(err)
		}
		s.refuse(w, r, a, e)
		return
	}
	a.identity = id

	a.step = stepSuspension
	st, err := s.checkSuspension(ctx, id.ID)
	switch {
	case err != nil && !s.Options.SuspensionFailOpen:
		s.refuse(w, r, a, apierr.Dependency(err))
		return
	case err != nil:
		s.logger().Warn("suspension lookup failed, admitting", zap.String("request_id", a.requestID), zap.Error(err))
	case st.Suspended:
		s.refuse(w, r, a, apierr.Suspended())
		return
	}

	// The body is read before the rate limit only to learn the feature.
	// Validation errors are reported after the limit so malformed floods
	// still spend tokens.
	s.readBody(w, r, a)

	a.step = stepRateLimit
	if e := s.rateLimit(ctx, w, a); e != nil {
		s.refuse(w, r, a, e)
		return
	}

	a.step = stepValidate
	if e := s.validate(a); e != nil {
		s.refuse(w, r, a, e)
		return
	}

	a.step = stepPreCheck
	det, err := s.Detector.Detect(ctx, a.body.Input, detect.Context{Stage: detect.StagePre, Feature: a.body.Feature, TrustTier: id.TrustTier})
	if err != nil {
		e := apierr.Dependency(err)
		if errors.Is(err, detect.ErrTimeout) {
			e = apierr.DetectionTimeout(err)
		}
		s.refuse(w, r, a, e)
		return
	}
	a.detection = det
	if det.Action == models.ActionBlock {
		s.refuse(w, r, a, apierr.Blocked(apierr.ReasonContentBlocked))
		return
	}
	input := a.body.Input
	if det.Action == models.ActionMask {
		input = rules.Mask(input, det.Matches)
	}
	escalate := det.Action.Escalates()

	a.step = stepEnqueue
	now := time.Now().UTC()
	msg := models.QueueMessage{
		Envelope: models.RequestEnvelope{
			RequestID:   a.requestID,
			UserID:      id.ID,
			TrustTier:   id.TrustTier,
			Feature:     a.body.Feature,
			IPAddress:   a.ip,
			Body:        input,
			CallbackURL: a.body.CallbackURL,
			ReceivedAt:  a.start.UTC(),
		},
		EnqueuedAt: now,
		PreCheck:   det,
		Escalate:   escalate,
	}
	if err := s.enqueue(ctx, msg); err != nil {
		s.refuse(w, r, a, apierr.QueueWrite(err))
		return
	}

	a.decision = models.DecisionQueued
	a.status = http.StatusAccepted
	s.Metrics.Decision(models.StageGateway, a.decision)
	httpx.WriteJSON(w, http.StatusAccepted, inferResponse{RequestID: a.requestID, Status: models.StatusQueued, Escalate: escalate})
}

func (s *Server) checkSuspension(ctx context.Context, userID string) (suspension.Status, error) {
	if s.Suspensions == nil {
		return suspension.Status{}, suspension.ErrUnavailable
	}
	return s.Suspensions.Check(ctx, userID)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, a *admission) {
	limit := s.Options.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		a.readErr = err
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	a.parseErr = dec.Decode(&a.body)
}

// rateLimit reads the caller's risk and takes one token. Any backend error
// refuses the request.
func (s *Server) rateLimit(ctx context.Context, w http.ResponseWriter, a *admission) *apierr.Error {
	risk := 0.0
	if s.Risk != nil {
		score, err := s.Risk.Score(ctx, a.identity.ID)
		if err != nil {
			return apierr.Dependency(err)
		}
		risk = score
	}
	dec, err := s.Limiter.Allow(ctx, ratelimit.Request{
		UserID:    a.identity.ID,
		TrustTier: a.identity.TrustTier,
		Feature:   s.bucketFeature(a),
		IP:        a.ip,
		RiskScore: risk,
	})
	if err != nil {
		return apierr.Dependency(err)
	}
	if dec.Allowed {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		return nil
	}
	w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter(time.Now())))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Capacity))
	w.Header().Set("X-RateLimit-Remaining", "0")
	s.Metrics.RateLimited(dec.Reason)
	switch dec.Reason {
	case ratelimit.ReasonIPBlocked:
		return apierr.RateLimited(apierr.ReasonIPBlocked)
	case ratelimit.ReasonIPVelocity:
		return apierr.RateLimited(apierr.ReasonIPVelocity)
	}
	return apierr.RateLimited(apierr.ReasonRateLimited)
}

// sharedBucket holds every request whose feature is not on the allowlist,
// so inventing feature names never buys a fresh bucket.
const sharedBucket = "_shared"

func (s *Server) knownFeature(f string) bool {
	for _, allowed := range s.Options.Features {
		if f == allowed {
			return true
		}
	}
	return false
}

// bucketFeature picks the rate limit bucket. Only allowlisted features get
// their own bucket; unparsable bodies and unknown features share one.
func (s *Server) bucketFeature(a *admission) string {
	if a.readErr != nil || a.parseErr != nil || !s.knownFeature(a.body.Feature) {
		return sharedBucket
	}
	return a.body.Feature
}

func (s *Server) validate(a *admission) *apierr.Error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(a.readErr, &tooLarge):
		return apierr.New(apierr.KindTooLarge, apierr.ReasonPayloadTooLarge, "request body too large", a.readErr)
	case a.readErr != nil:
		return apierr.Validation("invalid request body")
	case a.parseErr != nil:
		return apierr.Validation("request body must be a JSON object with feature and input")
	case strings.TrimSpace(a.body.Feature) == "":
		return apierr.Validation("feature is required")
	case strings.TrimSpace(a.body.Input) == "":
		return apierr.Validation("input is required")
	case len(s.Options.Features) > 0 && !s.knownFeature(a.body.Feature):
		return apierr.Validation("unknown feature")
	}
	if a.body.CallbackURL != "" {
		if err := s.Options.Callbacks.Check(a.body.CallbackURL); err != nil {
			return apierr.Validation("callback_url must be a registered public https URL")
		}
	}
	return nil
}

// enqueue marks the request queued before writing to the stream so a fast
// worker's status update is never overwritten. A failed write replaces the
// placeholder with a failure.
func (s *Server) enqueue(ctx context.Context, msg models.QueueMessage) error {
	env := msg.Envelope
	if s.Queue == nil || s.Results == nil {
		return errors.New("queue not configured")
	}
	timeout := s.Options.EnqueueTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Results.Put(ctx, models.Result{RequestID: env.RequestID, UserID: env.UserID, Status: models.StatusQueued}); err != nil {
		return err
	}
	if _, err := s.Queue.Enqueue(ctx, msg); err != nil {
		failed := models.Result{RequestID: env.RequestID, UserID: env.UserID, Status: models.StatusFailed, ReasonCode: apierr.ReasonQueueUnavailable}
		if perr := s.Results.Put(context.WithoutCancel(ctx), failed); perr != nil {
			s.logger().Warn("could not record enqueue failure", zap.String("request_id", env.RequestID), zap.Error(perr))
		}
		return err
	}
	return nil
}

// refuse writes the refusal and its audit record. The audit uses a context
// detached from the client so a disconnect cannot skip it.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request, a *admission, e *apierr.Error) {
	a.decision = models.DecisionDenied
	a.reason = e.Reason
	a.status = e.Status()
	httpx.WriteRefusal(w, r, e)
	s.Metrics.Decision(models.StageGateway, a.decision)

	if s.Audit == nil {
		return
	}
	timeout := s.Options.AuditTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	tier := a.identity.TrustTier
	if tier == "" {
		tier = models.TierAnon
	}
	rec := models.AuditRecord{
		RequestID:  a.requestID,
		Stage:      models.StageGateway,
		UserID:     a.identity.ID,
		Input:      a.body.Input,
		Decision:   a.decision,
		Severity:   a.detection.Severity,
		TrustTier:  tier,
		ReasonCode: e.Reason,
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		s.logger().Error("refusal audit failed", zap.String("request_id", a.requestID), zap.String("step", a.step), zap.Error(err))
	}
}

func (s *Server) logAdmission(a *admission) {
	fields := []zap.Field{
		zap.String("request_id", a.requestID),
		zap.String("user_id_hash", audit.HashUser(a.identity.ID, s.Options.HashSalt)),
		zap.String("step", a.step),
		zap.String("decision", a.decision),
		zap.String("reason_code", a.reason),
		zap.Int("status", a.status),
		zap.Duration("latency", time.Since(a.start)),
	}
	if a.detection.Action != "" {
		fields = append(fields, zap.String("action", string(a.detection.Action)), zap.String("severity", string(a.detection.Severity)))
	}
	if a.status >= http.StatusInternalServerError {
		s.logger().Warn("admission", fields...)
		return
	}
	s.logger().Info("admission", fields...)
}
