package contracts

import "time"

// AuditAction classifies audit events.
type AuditAction string

const (
	AuditTransition     AuditAction = "transition"
	AuditGuardRejected  AuditAction = "guard_rejected"
	AuditApproval       AuditAction = "approval_recorded"
	AuditEscalation     AuditAction = "escalated"
	AuditActuatorResult AuditAction = "actuator_result"
	AuditLockConflict   AuditAction = "lock_conflict"
	AuditUnitRegistered AuditAction = "unit_registered"
	AuditUnitReaped     AuditAction = "unit_reaped"
	AuditUnitWarned     AuditAction = "unit_ttl_warning"
)

// AuditEvent is one immutable entry in the hash-chained audit log.
type AuditEvent struct {
	Sequence   uint64            `json:"sequence"`
	EventID    string            `json:"event_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     AuditAction       `json:"action"`
	ProposalID string            `json:"proposal_id,omitempty"`
	UnitID     string            `json:"unit_id,omitempty"`
	FromState  State             `json:"from_state,omitempty"`
	ToState    State             `json:"to_state,omitempty"`
	Actor      Identity          `json:"actor"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// IsTransition reports whether the event moved a proposal between states.
func (e *AuditEvent) IsTransition() bool {
	return e.Action == AuditTransition
}
