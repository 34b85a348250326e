package contracts

import "time"

// DecisionKind is what a human submits against a waiting proposal.
type DecisionKind string

const (
	DecisionApprove     DecisionKind = "approve"
	DecisionReject      DecisionKind = "reject"
	DecisionAcknowledge DecisionKind = "acknowledge"
	DecisionCancel      DecisionKind = "cancel"
)

// DecisionSubmission is a decision on a proposal.
type DecisionSubmission struct {
	ProposalID string       `json:"proposal_id" validate:"required"`
	Decider    Identity     `json:"decider"`
	Decision   DecisionKind `json:"decision" validate:"required,oneof=approve reject acknowledge cancel"`
	Reason     string       `json:"reason,omitempty"`

	// ExpectedRevision, when non-zero, must equal the proposal's current revision.
	ExpectedRevision int64 `json:"expected_revision,omitempty" validate:"gte=0"`
}

// Approval records one human's sign-off or acknowledgement.
type Approval struct {
	Decider Identity  `json:"decider"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Outcome is how a proposal reached its terminal state.
type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeAutoApplied  Outcome = "auto_applied"
	OutcomeRejected     Outcome = "rejected"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeExpired      Outcome = "expired"
	OutcomeEmergency    Outcome = "emergency"
)

// DecisionRecord is written once, when a proposal becomes terminal.
type DecisionRecord struct {
	Outcome      Outcome    `json:"outcome"`
	Approvers    []Identity `json:"approvers,omitempty"`
	MinApprovers int        `json:"min_approvers"`
	DecidedBy    Identity   `json:"decided_by"`
	Reason       string     `json:"reason,omitempty"`
	DecidedAt    time.Time  `json:"decided_at"`
	// Artifact is the signed override artifact for emergency decisions.
	Artifact string `json:"artifact,omitempty"`
}

// ActuatorReport is the actuator's result for an applied proposal.
type ActuatorReport struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message,omitempty"`
	Reporter Identity `json:"reporter"`
}

// OverrideRequest applies a change through the emergency path.
type OverrideRequest struct {
	Change        ChangeRequest `json:"change"`
	Decider       Identity      `json:"decider"`
	Justification string        `json:"justification" validate:"required"`
	Artifact      string        `json:"artifact" validate:"required"`
}
