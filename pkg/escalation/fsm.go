// Package escalation holds requests a reviewer must decide. A case starts
// PENDING and moves once, to APPROVED or BLOCKED.
package escalation

import (
	"errors"
	"strings"

	"guardrail/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid escalation transition")
	ErrSelfReview        = errors.New("reviewer cannot decide their own request")
	ErrInvalidDecision   = errors.New("decision must be APPROVE or BLOCK")
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionBlock   Decision = "BLOCK"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionBlock:
		return d, nil
	}
	return "", ErrInvalidDecision
}

func CanTransition(from, to models.CaseStatus) bool {
	return from == models.CasePending && (to == models.CaseApproved || to == models.CaseBlocked)
}

func Transition(from, to models.CaseStatus) (models.CaseStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.CaseStatus, d Decision) (models.CaseStatus, error) {
	switch d {
	case DecisionApprove:
		return Transition(from, models.CaseApproved)
	case DecisionBlock:
		return Transition(from, models.CaseBlocked)
	default:
		return from, ErrInvalidDecision
	}
}

func IsTerminal(s models.CaseStatus) bool {
	return s == models.CaseApproved || s == models.CaseBlocked
}

// ReviewerAllowed enforces separation of duties between requester and
// reviewer.
func ReviewerAllowed(reviewerID, requesterID string) error {
	if reviewerID != "" && strings.EqualFold(reviewerID, requesterID) {
		return ErrSelfReview
	}
	return nil
}
