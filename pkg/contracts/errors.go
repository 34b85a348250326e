package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrGuardRejected       = errors.New("transition guard rejected")
	ErrNotFound            = errors.New("not found")
	ErrTerminal            = errors.New("proposal is terminal")
	ErrInvalidRequest      = errors.New("invalid request")
)

// InvariantViolationError carries the violated rules of a blocked change.
type InvariantViolationError struct {
	ProposalID string
	Violations []Violation
}

func (e *InvariantViolationError) Error() string {
	ids := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		ids = append(ids, v.RuleID)
	}
	return fmt.Sprintf("invariant violation: %s", strings.Join(ids, ", "))
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// Guard codes.
const (
	GuardSelfApproval    = "self_approval"
	GuardNotCapable      = "not_capable"
	GuardWrongState      = "wrong_state"
	GuardDuplicate       = "duplicate_approval"
	GuardTerminal        = "terminal"
	GuardInvalidArtifact = "invalid_artifact"
	GuardNotMember       = "not_member"
)

// GuardError is a rejected lifecycle event. The proposal is unchanged.
type GuardError struct {
	ProposalID string
	Code       string
	State      State
	Reason     string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("proposal %s: %s (%s in state %s)", e.ProposalID, e.Reason, e.Code, e.State)
}

func (e *GuardError) Unwrap() error {
	if e.Code == GuardTerminal {
		return ErrTerminal
	}
	return ErrGuardRejected
}

// ConflictError reports a lost race: a held lock or a stale revision.
type ConflictError struct {
	UnitID string
	HeldBy string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("unit %s is locked by proposal %s", e.UnitID, e.HeldBy)
	}
	return fmt.Sprintf("unit %s: %s", e.UnitID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }
