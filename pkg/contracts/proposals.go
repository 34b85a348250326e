package contracts

import (
	"fmt"
	"strings"
	"time"
)

// State is a proposal's position in the change lifecycle.
type State string

const (
	StateValidating    State = "VALIDATING"
	StateBlocked       State = "BLOCKED"
	StatePending       State = "PENDING"
	StateQueued        State = "QUEUED"
	StateAcknowledging State = "ACKNOWLEDGING"
	StateApproving     State = "APPROVING"
	StateApplied       State = "APPLIED"
	StateRejected      State = "REJECTED"
	StateExpired       State = "EXPIRED"
)

// IsTerminal reports whether no lifecycle event can move a proposal out of s.
func (s State) IsTerminal() bool {
	switch s {
	case StateApplied, StateRejected, StateExpired:
		return true
	}
	return false
}

// IsFinal is IsTerminal plus BLOCKED, which never transitions further.
func (s State) IsFinal() bool {
	return s.IsTerminal() || s == StateBlocked
}

// HoldsLock reports whether a proposal in s owns its unit's change lock.
func (s State) HoldsLock() bool {
	switch s {
	case StatePending, StateQueued, StateAcknowledging, StateApproving:
		return true
	}
	return false
}

// RiskClass is the computed risk of a change.
type RiskClass string

const (
	RiskLow    RiskClass = "LOW"
	RiskMedium RiskClass = "MEDIUM"
	RiskHigh   RiskClass = "HIGH"
)

func (r RiskClass) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return -1
}

// Elevate raises r by one class, capped at HIGH.
func (r RiskClass) Elevate() RiskClass {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Max returns the higher of r and o.
func (r RiskClass) Max(o RiskClass) RiskClass {
	if o.rank() > r.rank() {
		return o
	}
	return r
}

// AtLeast reports whether r is o or higher.
func (r RiskClass) AtLeast(o RiskClass) bool {
	return r.rank() >= o.rank()
}

// ParseRiskClass parses a case-insensitive risk class name.
func ParseRiskClass(s string) (RiskClass, error) {
	r := RiskClass(strings.ToUpper(strings.TrimSpace(s)))
	if r.rank() < 0 {
		return "", fmt.Errorf("unknown risk class %q", s)
	}
	return r, nil
}

// Violation is a failed invariant rule.
type Violation struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// PolicyResult is the outcome of invariant evaluation.
type PolicyResult struct {
	Passed         bool        `json:"passed"`
	Violations     []Violation `json:"violations,omitempty"`
	RuleSetVersion string      `json:"rule_set_version"`
}

// Proposal is a change request under governance.
type Proposal struct {
	ID        string        `json:"id"`
	Request   ChangeRequest `json:"request"`
	Risk      RiskClass     `json:"risk"`
	Rationale string        `json:"risk_rationale"`
	Concerns  []string      `json:"concerns,omitempty"`
	Fields    []string      `json:"fields,omitempty"`
	State     State         `json:"state"`
	Policy    PolicyResult  `json:"policy"`

	// Revision increments on every committed state change.
	Revision int64 `json:"revision"`

	RequiredApprovals int        `json:"required_approvals,omitempty"`
	Approvals         []Approval `json:"approvals,omitempty"`
	Acknowledgement   *Approval  `json:"acknowledgement,omitempty"`

	// EscalationLevel counts escalations fired while APPROVING.
	EscalationLevel int `json:"escalation_level,omitempty"`

	Decision *DecisionRecord `json:"decision,omitempty"`

	// Emergency marks a proposal applied through an override.
	Emergency        bool `json:"emergency,omitempty"`
	FollowUpRequired bool `json:"follow_up_required,omitempty"`

	// ExpiresAt is when an APPROVING proposal expires undecided.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// NextWakeAt and TimerKind persist the single armed timer.
	NextWakeAt *time.Time `json:"next_wake_at,omitempty"`
	TimerKind  TimerKind  `json:"timer_kind,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StateEnteredAt time.Time `json:"state_entered_at"`
}

// UnitID is shorthand for p.Request.UnitID.
func (p *Proposal) UnitID() string { return p.Request.UnitID }

// Proposer is shorthand for p.Request.Proposer.
func (p *Proposal) Proposer() Identity { return p.Request.Proposer }

// ApprovedBy reports whether id has already recorded an approval.
func (p *Proposal) ApprovedBy(id Identity) bool {
	for _, a := range p.Approvals {
		if a.Decider.Same(id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Request.Patch.Ops = append([]PatchOp(nil), p.Request.Patch.Ops...)
	c.Request.Patch.Document = append([]byte(nil), p.Request.Patch.Document...)
	c.Request.Proposer.Pools = append([]string(nil), p.Request.Proposer.Pools...)
	c.Concerns = append([]string(nil), p.Concerns...)
	c.Fields = append([]string(nil), p.Fields...)
	c.Policy.Violations = append([]Violation(nil), p.Policy.Violations...)
	c.Approvals = append([]Approval(nil), p.Approvals...)
	if p.Acknowledgement != nil {
		a := *p.Acknowledgement
		c.Acknowledgement = &a
	}
	if p.Decision != nil {
		d := *p.Decision
		d.Approvers = append([]Identity(nil), p.Decision.Approvers...)
		c.Decision = &d
	}
	if p.NextWakeAt != nil {
		t := *p.NextWakeAt
		c.NextWakeAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
