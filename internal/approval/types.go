package approval

import (
	"context"
	"regexp"
	"time"
)

// Impact classifies how disruptive a proposed action is.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// ProposedAction describes an action awaiting governance evaluation.
type ProposedAction struct {
	// Type is a classification label, e.g. "workflow_execution" or "file_write".
	Type string `json:"type"`

	// Description is a human-readable summary shown to the approver.
	Description string `json:"description"`

	// Impact indicates the blast radius of the action.
	Impact Impact `json:"impact"`

	// Reversible indicates whether the action can be undone.
	Reversible bool `json:"reversible"`
}

// Status represents the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is a pending or settled approval request. Terminal status is set
// exactly once; settled requests are retained briefly for history queries.
type Request struct {
	ID         string         `json:"id"`
	Action     ProposedAction `json:"action"`
	Status     Status         `json:"status"`
	Comment    string         `json:"comment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// Predicate decides whether a rule applies to a proposed action.
type Predicate func(ProposedAction) bool

// Rule is a governance rule evaluated against proposed actions.
//
// Rules are evaluated in descending priority order. The first matching rule
// decides: AutoApprove short-circuits to approved, RequiresApproval falls
// through to an interactive request, and a rule with neither set denies
// immediately.
type Rule struct {
	ID               string
	Match            Predicate
	RequiresApproval bool
	AutoApprove      bool
	Priority         int
}

// MatchType returns a predicate matching actions by exact type.
func MatchType(actionType string) Predicate {
	return func(a ProposedAction) bool {
		return a.Type == actionType
	}
}

// MatchPattern returns a predicate matching the pattern against the action
// type or description.
func MatchPattern(pattern string) (Predicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(a ProposedAction) bool {
		return re.MatchString(a.Type) || re.MatchString(a.Description)
	}, nil
}

// Decision is a response from the presentation channel.
type Decision string

const (
	// DecisionApprove settles the request as approved.
	DecisionApprove Decision = "approve"

	// DecisionDeny settles the request as denied.
	DecisionDeny Decision = "deny"

	// DecisionViewDetails does not settle; the gate re-presents the prompt
	// after surfacing extra context. The original timer keeps running.
	DecisionViewDetails Decision = "view_details"

	// DecisionDismissed does not settle; the request times out unless an
	// explicit decision arrives through another channel.
	DecisionDismissed Decision = "dismissed"
)

// Presenter delivers an approval prompt to whatever UI or channel fronts the
// gate. Present blocks until the channel produces a decision or the context
// is cancelled.
type Presenter interface {
	Present(ctx context.Context, req Request) (Decision, error)
}

// Outcome labels how a request was finally decided, for audit reporting.
type Outcome string

const (
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomeAutoDenied   Outcome = "auto_denied"
	OutcomeApproved     Outcome = "approved"
	OutcomeDenied       Outcome = "denied"
	OutcomeExpired      Outcome = "expired"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeDisposed     Outcome = "disposed"
)

// DecisionEvent is the audit record emitted once per decided request.
type DecisionEvent struct {
	RequestID string         `json:"request_id,omitempty"`
	Action    ProposedAction `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Comment   string         `json:"comment,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditRecorder receives every approval decision exactly once. Recording
// failures are logged by the gate, never propagated.
type AuditRecorder interface {
	RecordDecision(ctx context.Context, event DecisionEvent) error
}
