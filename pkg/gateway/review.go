package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"guardrail/pkg/apierr"
	"guardrail/pkg/auth"
	"guardrail/pkg/escalation"
	"guardrail/pkg/httpx"
	"guardrail/pkg/models"
	"guardrail/pkg/results"
	"guardrail/pkg/stream"
)

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Auth.Authenticate(r.Context(), r, s.clientIP(r))
		if err != nil {
			e := apierr.Authentication(err)
			if errors.Is(err, auth.ErrUnavailable) {
				e = apierr.Dependency(err)
			}
			httpx.WriteRefusal(w, r, e)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) isReviewer(id models.UserIdentity) bool {
	if auth.IsAnonymous(id) {
		return false
	}
	role := s.Options.ReviewerRole
	if role == "" {
		role = "reviewer"
	}
	return id.TrustTier == models.TierPrivileged || auth.HasAnyRole(id, role)
}

func (s *Server) requireReviewer(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			httpx.WriteRefusal(w, r, apierr.Authentication(nil))
			return
		}
		if !s.isReviewer(id) {
			httpx.WriteRefusal(w, r, apierr.New(apierr.KindForbidden, apierr.ReasonForbidden, "reviewer role required", nil))
			return
		}
		h(w, r)
	}
}

func (s *Server) requireTier(tier models.TrustTier, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			httpx.WriteRefusal(w, r, apierr.Authentication(nil))
			return
		}
		if id.TrustTier != tier || auth.IsAnonymous(id) {
			httpx.WriteRefusal(w, r, apierr.New(apierr.KindForbidden, apierr.ReasonForbidden, "insufficient trust tier", nil))
			return
		}
		h(w, r)
	}
}

// handleStatus returns a request's result to its owner or a reviewer. Other
// callers get 404 so request IDs cannot be probed.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	requestID := chi.URLParam(r, "request_id")
	notFound := apierr.New(apierr.KindNotFound, apierr.ReasonNotFound, "request not found", nil)
	res, err := s.Results.Get(r.Context(), requestID)
	switch {
	case errors.Is(err, results.ErrNotFound):
		httpx.WriteRefusal(w, r, notFound)
		return
	case err != nil:
		httpx.WriteRefusal(w, r, apierr.Dependency(err))
		return
	}
	if res.UserID != id.ID && !s.isReviewer(id) {
		httpx.WriteRefusal(w, r, notFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type reviewRequest struct {
	CaseID   string `json:"case_id"`
	Decision string `json:"decision"`
}

type caseView struct {
	models.EscalationCase
	HasCallback bool `json:"has_callback"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req reviewRequest
	body := http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(body).Decode(&req); err != nil || strings.TrimSpace(req.CaseID) == "" {
		httpx.WriteRefusal(w, r, apierr.Validation("body must contain case_id and decision"))
		return
	}
	decision, err := escalation.ParseDecision(req.Decision)
	if err != nil {
		httpx.WriteRefusal(w, r, apierr.Validation("decision must be APPROVE or BLOCK"))
		return
	}
	c, err := s.Reviews.Review(r.Context(), req.CaseID, decision, id.ID)
	if err != nil {
		s.logger().Warn("review failed", zap.String("case_id", req.CaseID), zap.String("reviewer", id.ID), zap.Error(err))
		httpx.WriteRefusal(w, r, reviewError(err))
		return
	}
	s.Metrics.Escalation(string(c.Status))
	s.logger().Info("case decided", zap.String("case_id", c.CaseID), zap.String("request_id", c.RequestID),
		zap.String("status", string(c.Status)), zap.String("reviewer", id.ID))
	httpx.WriteJSON(w, http.StatusOK, caseView{EscalationCase: c, HasCallback: c.CallbackURL != ""})
}

func reviewError(err error) *apierr.Error {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		return apierr.New(apierr.KindNotFound, apierr.ReasonNotFound, "case not found", err)
	case errors.Is(err, escalation.ErrAlreadyDecided), errors.Is(err, escalation.ErrInvalidTransition):
		return apierr.New(apierr.KindConflict, apierr.ReasonAlreadyDecided, "case already decided", err)
	case errors.Is(err, escalation.ErrSelfReview):
		return apierr.New(apierr.KindForbidden, apierr.ReasonForbidden, "reviewers cannot decide their own requests", err)
	case errors.Is(err, escalation.ErrInvalidDecision):
		return apierr.Validation("decision must be APPROVE or BLOCK")
	}
	return apierr.Dependency(err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cases, err := s.Reviews.Pending(r.Context(), limit)
	if err != nil {
		httpx.WriteRefusal(w, r, apierr.Dependency(err))
		return
	}
	out := make([]caseView, 0, len(cases))
	for _, c := range cases {
		out = append(out, caseView{EscalationCase: c, HasCallback: c.CallbackURL != ""})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cases": out})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.Breakers == nil || strings.TrimSpace(key) == "" {
		httpx.WriteRefusal(w, r, apierr.Validation("unknown circuit"))
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	s.Breakers.Reset(key)
	s.logger().Warn("circuit reset by operator", zap.String("key", key), zap.String("user_id", id.ID))
	httpx.WriteJSON(w, http.StatusOK, s.Breakers.Get(key))
}

// handleEvents streams hub events to a reviewer over a websocket. The type
// query parameter narrows the feed by event type prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.Options.WSOrigins) > 0 {
		opts.OriginPatterns = s.Options.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(r.URL.Query()["type"]...)
	defer s.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", "", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
