// Package apierr defines the refusal taxonomy shared by the gateway and the
// review API. Every refusal maps to one Kind, one HTTP status and one stable
// reason code; the wrapped cause is for logs only.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuthentication Kind = "AuthenticationError"
	KindSuspension     Kind = "SuspensionError"
	KindRateLimit      Kind = "RateLimitExceeded"
	KindDetection      Kind = "DetectionTimeout"
	KindDependency     Kind = "DependencyUnavailable"
	KindCircuitOpen    Kind = "CircuitOpenError"
	KindValidation     Kind = "ValidationError"
	KindQueueWrite     Kind = "QueueWriteError"
	KindContentBlocked Kind = "ContentBlocked"
	KindForbidden      Kind = "Forbidden"
	KindNotFound       Kind = "NotFound"
	KindConflict       Kind = "Conflict"
	KindTooLarge       Kind = "PayloadTooLarge"
)

// Reason codes returned to clients.
const (
	ReasonUnauthenticated   = "UNAUTHENTICATED"
	ReasonSuspended         = "SUSPENDED"
	ReasonRateLimited       = "RATE_LIMITED"
	ReasonIPBlocked         = "IP_BLOCKED"
	ReasonIPVelocity        = "IP_VELOCITY"
	ReasonDetectionTimeout  = "DETECTION_TIMEOUT"
	ReasonDependency        = "DEPENDENCY_UNAVAILABLE"
	ReasonCircuitOpen       = "CIRCUIT_OPEN"
	ReasonInvalidRequest    = "INVALID_REQUEST"
	ReasonQueueUnavailable  = "QUEUE_UNAVAILABLE"
	ReasonContentBlocked    = "CONTENT_BLOCKED"
	ReasonForbidden         = "FORBIDDEN"
	ReasonNotFound          = "NOT_FOUND"
	ReasonAlreadyDecided    = "ALREADY_DECIDED"
	ReasonPayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	ReasonReviewerBlocked   = "REVIEWER_BLOCKED"
	ReasonPostCheckBlocked  = "POST_CHECK_BLOCKED"
	ReasonInferenceRejected = "INFERENCE_REJECTED"
	ReasonRetriesExhausted  = "RETRIES_EXHAUSTED"
	ReasonMalformedMessage  = "MALFORMED_MESSAGE"
)

var kindStatus = map[Kind]int{
	KindAuthentication: http.StatusUnauthorized,
	KindSuspension:     http.StatusForbidden,
	KindRateLimit:      http.StatusTooManyRequests,
	KindDetection:      http.StatusServiceUnavailable,
	KindDependency:     http.StatusServiceUnavailable,
	KindCircuitOpen:    http.StatusServiceUnavailable,
	KindValidation:     http.StatusBadRequest,
	KindQueueWrite:     http.StatusServiceUnavailable,
	KindContentBlocked: http.StatusForbidden,
	KindForbidden:      http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindTooLarge:       http.StatusRequestEntityTooLarge,
}

// Error is a classified refusal. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error kind. Unknown kinds are 503.
func (e *Error) Status() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusServiceUnavailable
}

func New(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: cause}
}

func Authentication(cause error) *Error {
	return New(KindAuthentication, ReasonUnauthenticated, "authentication failed", cause)
}

func Suspended() *Error {
	return New(KindSuspension, ReasonSuspended, "account suspended", nil)
}

func RateLimited(reason string) *Error {
	if reason == "" {
		reason = ReasonRateLimited
	}
	return New(KindRateLimit, reason, "rate limit exceeded", nil)
}

func DetectionTimeout(cause error) *Error {
	return New(KindDetection, ReasonDetectionTimeout, "safety check unavailable", cause)
}

func Dependency(cause error) *Error {
	return New(KindDependency, ReasonDependency, "service temporarily unavailable", cause)
}

func CircuitOpen(cause error) *Error {
	return New(KindCircuitOpen, ReasonCircuitOpen, "service temporarily unavailable", cause)
}

func Validation(message string) *Error {
	return New(KindValidation, ReasonInvalidRequest, message, nil)
}

func QueueWrite(cause error) *Error {
	return New(KindQueueWrite, ReasonQueueUnavailable, "request could not be queued", cause)
}

func Blocked(reason string) *Error {
	if reason == "" {
		reason = ReasonContentBlocked
	}
	return New(KindContentBlocked, reason, "request blocked by safety policy", nil)
}

// From classifies any error. Unclassified errors become DependencyUnavailable
// so that an unexpected failure never turns into an allow.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Dependency(err)
}
