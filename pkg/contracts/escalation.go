package contracts

import "time"

// TimerKind names the lifecycle event an armed timer produces.
type TimerKind string

const (
	TimerAutoApply TimerKind = "auto_apply"
	TimerAckWindow TimerKind = "ack_window"
	TimerSecondary TimerKind = "escalate_secondary"
	TimerSenior    TimerKind = "escalate_senior"
	TimerExpire    TimerKind = "expire"
)

// Escalation pools, in escalation order.
const (
	PoolPrimary   = "primary"
	PoolSecondary = "secondary"
	PoolSenior    = "senior"
)

// PoolForLevel maps an escalation level to the pool notified at that level.
func PoolForLevel(level int) string {
	switch {
	case level <= 0:
		return PoolPrimary
	case level == 1:
		return PoolSecondary
	default:
		return PoolSenior
	}
}

// NotificationKind classifies notifications.
type NotificationKind string

const (
	NotifyEscalation NotificationKind = "escalation"
	NotifyTTLWarning NotificationKind = "ttl_warning"
	NotifyFollowUp   NotificationKind = "follow_up_required"
)

// Notification is sent to an escalation pool or unit owner.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	ProposalID string           `json:"proposal_id,omitempty"`
	UnitID     string           `json:"unit_id"`
	Pool       string           `json:"pool,omitempty"`
	Level      int              `json:"level,omitempty"`
	Message    string           `json:"message"`
	At         time.Time        `json:"at"`
}
