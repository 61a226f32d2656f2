package models

import (
	"strings"
	"time"
)

// TrustTier is the coarse trust level attached to a caller.
type TrustTier string

const (
	TierAnon       TrustTier = "ANON"
	TierUser       TrustTier = "USER"
	TierVerified   TrustTier = "VERIFIED"
	TierPrivileged TrustTier = "PRIVILEGED"
)

// ParseTrustTier maps free text onto a tier. Unknown values fall back to ANON.
func ParseTrustTier(raw string) TrustTier {
	switch TrustTier(strings.ToUpper(strings.TrimSpace(raw))) {
	case TierUser:
		return TierUser
	case TierVerified:
		return TierVerified
	case TierPrivileged:
		return TierPrivileged
	default:
		return TierAnon
	}
}

type UserIdentity struct {
	ID        string            `json:"id"`
	TrustTier TrustTier         `json:"trust_tier"`
	Roles     []string          `json:"roles,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (u UserIdentity) HasRole(role string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RequestEnvelope is created once per inbound request and never mutated
// after the pre-check (a MASK decision produces a copy with the masked body).
type RequestEnvelope struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	TrustTier   TrustTier `json:"trust_tier"`
	Feature     string    `json:"feature"`
	IPAddress   string    `json:"ip_address"`
	Body        string    `json:"body"`
	CallbackURL string    `json:"callback_url,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionMask  Action = "MASK"
	ActionFlag  Action = "FLAG"
	ActionAsk   Action = "ASK"
	ActionBlock Action = "BLOCK"
)

var actionRank = map[Action]int{
	ActionAllow: 0,
	ActionMask:  1,
	ActionFlag:  2,
	ActionAsk:   3,
	ActionBlock: 4,
}

// Rank orders actions by restrictiveness. Unknown actions rank as BLOCK.
func (a Action) Rank() int {
	r, ok := actionRank[a]
	if !ok {
		return actionRank[ActionBlock]
	}
	return r
}

func (a Action) Valid() bool {
	_, ok := actionRank[a]
	return ok
}

// Escalates reports whether the action requires a human review case.
func (a Action) Escalates() bool {
	return a == ActionFlag || a == ActionAsk
}

// MaxAction returns the most restrictive of the given actions.
func MaxAction(actions ...Action) Action {
	out := ActionAllow
	for _, a := range actions {
		if a.Rank() > out.Rank() {
			out = a
		}
	}
	return out
}

type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityOrder = []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return 0
}

// Raise returns the next severity level, saturating at CRITICAL.
func (s Severity) Raise() Severity {
	r := s.Rank() + 1
	if r >= len(severityOrder) {
		return SeverityCritical
	}
	return severityOrder[r]
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	for _, v := range severityOrder {
		if v == s {
			return s, true
		}
	}
	return SeverityNone, false
}

func MaxSeverity(values ...Severity) Severity {
	out := SeverityNone
	for _, s := range values {
		if s.Rank() > out.Rank() {
			out = s
		}
	}
	return out
}

// Match is one rule hit inside a text. Start/End are byte offsets.
type Match struct {
	PatternID string   `json:"pattern_id"`
	Category  string   `json:"category"`
	Severity  Severity `json:"severity"`
	Start     int      `json:"start"`
	End       int      `json:"end"`
}

type DetectionResult struct {
	MatchedPatterns []string `json:"matched_patterns"`
	Matches         []Match  `json:"matches,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	Severity        Severity `json:"severity"`
	Action          Action   `json:"action"`
	Entropy         float64  `json:"entropy"`
	Cached          bool     `json:"cached"`
	LatencyMS       float64  `json:"latency_ms"`
	RulesetVersion  string   `json:"ruleset_version"`
	Degraded        []string `json:"degraded,omitempty"`
}

// QueueMessage is the unit of work placed on the request stream.
type QueueMessage struct {
	Envelope   RequestEnvelope `json:"envelope"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	PreCheck   DetectionResult `json:"pre_check"`
	Escalate   bool            `json:"escalate"`
}

type CaseStatus string

const (
	CasePending  CaseStatus = "PENDING"
	CaseApproved CaseStatus = "APPROVED"
	CaseBlocked  CaseStatus = "BLOCKED"
)

type EscalationCase struct {
	CaseID      string          `json:"case_id"`
	RequestID   string          `json:"request_id"`
	UserID      string          `json:"user_id"`
	Detection   DetectionResult `json:"detection"`
	Status      CaseStatus      `json:"status"`
	ReviewerID  string          `json:"reviewer_id,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	HeldOutput  string          `json:"-"`
	CallbackURL string          `json:"-"`
}

// Audit decisions beyond the detector actions.
const (
	DecisionQueued    = "QUEUED"
	DecisionDenied    = "DENIED"
	DecisionCompleted = "COMPLETED"
	DecisionEscalated = "ESCALATED"
	DecisionApproved  = "APPROVED"
	DecisionBlocked   = "BLOCKED"
	DecisionFailed    = "FAILED"
)

// Audit stages.
const (
	StageGateway = "gateway"
	StageWorker  = "worker"
	StageReview  = "review"
)

type AuditRecord struct {
	ID         int64     `json:"id,omitempty"`
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	UserID     string    `json:"user_id"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	Decision   string    `json:"decision"`
	Severity   Severity  `json:"severity"`
	TrustTier  TrustTier `json:"trust_tier"`
	ReasonCode string    `json:"reason_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type RequestStatus string

const (
	StatusQueued        RequestStatus = "queued"
	StatusProcessing    RequestStatus = "processing"
	StatusCompleted     RequestStatus = "completed"
	StatusPendingReview RequestStatus = "pending_review"
	StatusDenied        RequestStatus = "denied"
	StatusFailed        RequestStatus = "failed"
)

// Terminal reports whether no further processing will change the status.
// pending_review is not terminal: a reviewer decision follows.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDenied, StatusFailed:
		return true
	}
	return false
}

// Result is what a client sees when polling a request.
type Result struct {
	RequestID  string        `json:"request_id"`
	UserID     string        `json:"user_id,omitempty"`
	Status     RequestStatus `json:"status"`
	Output     string        `json:"output,omitempty"`
	ReasonCode string        `json:"reason_code,omitempty"`
	CaseID     string        `json:"case_id,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
