package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"guardrail/pkg/events"
	"guardrail/pkg/httpx"
	"guardrail/pkg/models"
	"guardrail/pkg/store"
	"guardrail/pkg/stream"
)

const (
	ReasonApproved = "REVIEW_APPROVED"
	ReasonBlocked  = "REVIEW_BLOCKED"
)

type Cases interface {
	Create(ctx context.Context, c models.EscalationCase) (models.EscalationCase, error)
	Get(ctx context.Context, caseID string) (models.EscalationCase, error)
	ListPending(ctx context.Context, limit int) ([]models.EscalationCase, error)
	Decide(ctx context.Context, caseID string, to models.CaseStatus, reviewerID string) (models.EscalationCase, error)
}

type resultWriter interface {
	Put(ctx context.Context, r models.Result) error
}

type auditAppender interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

type riskRecorder interface {
	Record(ctx context.Context, userID string, sev models.Severity) (float64, error)
}

type Service struct {
	Cases   Cases
	Results resultWriter
	Audit   auditAppender
	Risk    riskRecorder
	Events  events.Publisher
	// Dedup guards callback delivery so a retried review does not notify
	// twice. Nil disables deduplication.
	Dedup         store.Cache
	Callbacks     CallbackPolicy
	Client        *http.Client
	CallbackRetry int
	CallbackTTL   time.Duration
	Logger        *zap.Logger
}

// Open records a case for a held request and announces it to reviewers.
func (s *Service) Open(ctx context.Context, c models.EscalationCase) (models.EscalationCase, error) {
	created, err := s.Cases.Create(ctx, c)
	if err != nil {
		return models.EscalationCase{}, err
	}
	s.publish(ctx, stream.NewEvent(events.EscalationCreated, created.RequestID, created))
	return created, nil
}

func (s *Service) Pending(ctx context.Context, limit int) ([]models.EscalationCase, error) {
	return s.Cases.ListPending(ctx, limit)
}

// Review applies a reviewer decision. The first decision on a case wins; a
// reviewer repeating their own decision re-applies the outcome so a review
// interrupted after the status change can be completed.
func (s *Service) Review(ctx context.Context, caseID string, d Decision, reviewerID string) (models.EscalationCase, error) {
	to, err := Next(models.CasePending, d)
	if err != nil {
		return models.EscalationCase{}, err
	}
	current, err := s.Cases.Get(ctx, caseID)
	if err != nil {
		return models.EscalationCase{}, err
	}
	if err := ReviewerAllowed(reviewerID, current.UserID); err != nil {
		return models.EscalationCase{}, err
	}
	decided, err := s.Cases.Decide(ctx, caseID, to, reviewerID)
	if errors.Is(err, ErrAlreadyDecided) {
		latest, gerr := s.Cases.Get(ctx, caseID)
		if gerr != nil {
			return models.EscalationCase{}, gerr
		}
		if latest.Status != to || latest.ReviewerID != reviewerID {
			return latest, ErrAlreadyDecided
		}
		decided, err = latest, nil
	}
	if err != nil {
		return models.EscalationCase{}, err
	}
	if err := s.apply(ctx, decided); err != nil {
		return decided, err
	}
	return decided, nil
}

func (s *Service) apply(ctx context.Context, c models.EscalationCase) error {
	result := models.Result{RequestID: c.RequestID, UserID: c.UserID, CaseID: c.CaseID}
	rec := models.AuditRecord{
		RequestID: c.RequestID,
		Stage:     models.StageReview,
		UserID:    c.UserID,
		Severity:  c.Detection.Severity,
	}
	switch c.Status {
	case models.CaseApproved:
		result.Status = models.StatusCompleted
		result.Output = c.HeldOutput
		rec.Output = c.HeldOutput
		rec.Decision = models.DecisionApproved
		rec.ReasonCode = ReasonApproved
	case models.CaseBlocked:
		result.Status = models.StatusDenied
		result.ReasonCode = ReasonBlocked
		rec.Decision = models.DecisionBlocked
		rec.ReasonCode = ReasonBlocked
	default:
		return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, c.CaseID, c.Status)
	}

	if err := s.Audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit review of %s: %w", c.CaseID, err)
	}
	if err := s.Results.Put(ctx, result); err != nil {
		return fmt.Errorf("release result of %s: %w", c.CaseID, err)
	}
	if c.Status == models.CaseBlocked && s.Risk != nil {
		sev := models.MaxSeverity(c.Detection.Severity, models.SeverityHigh)
		if _, err := s.Risk.Record(ctx, c.UserID, sev); err != nil {
			s.logger().Warn("risk update after block failed", zap.String("case_id", c.CaseID), zap.Error(err))
		}
	}
	if c.Status == models.CaseApproved && c.CallbackURL != "" {
		s.notify(ctx, c, result)
	}
	s.publish(ctx, stream.NewEvent(events.EscalationDecided, c.RequestID, map[string]any{
		"case_id":     c.CaseID,
		"status":      c.Status,
		"reviewer_id": c.ReviewerID,
	}))
	return nil
}

type callbackPayload struct {
	RequestID string               `json:"request_id"`
	CaseID    string               `json:"case_id"`
	Status    models.RequestStatus `json:"status"`
	Output    string               `json:"output"`
}

// notify delivers the released result to the case callback. Delivery
// failures are logged; the result stays available for polling.
func (s *Service) notify(ctx context.Context, c models.EscalationCase, r models.Result) {
	if err := s.Callbacks.Check(c.CallbackURL); err != nil {
		s.logger().Warn("callback refused", zap.String("case_id", c.CaseID), zap.Error(err))
		return
	}
	key := "callback:" + c.CaseID
	if s.Dedup != nil {
		ttl := s.CallbackTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := s.Dedup.SetNX(ctx, key, c.ReviewerID, ttl)
		if err != nil {
			s.logger().Warn("callback dedup unavailable", zap.String("case_id", c.CaseID), zap.Error(err))
		} else if !ok {
			return
		}
	}
	body, err := json.Marshal(callbackPayload{RequestID: r.RequestID, CaseID: c.CaseID, Status: r.Status, Output: r.Output})
	if err != nil {
		return
	}
	client := s.Client
	if client == nil {
		client = s.Callbacks.Client(5 * time.Second)
	}
	headers := map[string]string{httpx.RequestIDHeader: c.RequestID}
	status, _, err := httpx.RequestJSON(ctx, client, http.MethodPost, c.CallbackURL, body, headers, s.CallbackRetry, 200*time.Millisecond)
	if err == nil && status >= 300 {
		err = fmt.Errorf("callback status %d", status)
	}
	if err != nil {
		s.logger().Warn("callback delivery failed", zap.String("case_id", c.CaseID), zap.Error(err))
		if s.Dedup != nil {
			_ = s.Dedup.Del(context.WithoutCancel(ctx), key)
		}
	}
}

func (s *Service) publish(ctx context.Context, evt stream.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, evt); err != nil {
		s.logger().Warn("event publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
