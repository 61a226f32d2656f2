package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"guardrail/pkg/apierr"
)

const RequestIDHeader = "X-Request-ID"

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces an explicit origin allowlist. "*" allows any origin
// but never together with credentials.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[o] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, ok := allowed[origin]
			if !ok && !allowAll {
				if preflight {
					Error(w, http.StatusForbidden, "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			} else {
				h.Set("Access-Control-Allow-Origin", "*")
			}
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID,Retry-After,X-RateLimit-Remaining")
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// RequestID assigns the correlation ID for a request. A well-formed inbound
// X-Request-ID is kept, anything else is replaced with a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// Refusal is the body of every denied request.
type Refusal struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reason_code"`
	RequestID  string `json:"request_id"`
}

// WriteRefusal renders a classified error. The wrapped cause is never sent.
func WriteRefusal(w http.ResponseWriter, r *http.Request, e *apierr.Error) {
	id := GetRequestID(r.Context())
	if id != "" {
		w.Header().Set(RequestIDHeader, id)
	}
	WriteJSON(w, e.Status(), Refusal{Error: e.Message, ReasonCode: e.Reason, RequestID: id})
}
