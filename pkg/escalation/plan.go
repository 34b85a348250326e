// Package escalation owns the single armed timer of every waiting
// proposal: when it fires, what lifecycle event it produces, and the
// loop that fires it.
package escalation

import (
	"errors"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// Windows are the lifecycle timeouts.
type Windows struct {
	AutoApply   time.Duration // queued -> applied
	Acknowledge time.Duration // acknowledging -> approving
	Secondary   time.Duration // approving: notify the secondary pool
	Senior      time.Duration // approving: notify the senior pool
	Approval    time.Duration // approving -> expired
}

// DefaultWindows returns the standard 5m / 4h / 4h / 24h / 7d windows.
func DefaultWindows() Windows {
	return Windows{
		AutoApply:   5 * time.Minute,
		Acknowledge: 4 * time.Hour,
		Secondary:   4 * time.Hour,
		Senior:      24 * time.Hour,
		Approval:    7 * 24 * time.Hour,
	}
}

// Validate rejects windows that would leave a state without a timeout or
// escalate out of order.
func (w Windows) Validate() error {
	if w.AutoApply <= 0 || w.Acknowledge <= 0 || w.Secondary <= 0 || w.Senior <= 0 || w.Approval <= 0 {
		return errors.New("escalation: every window must be positive")
	}
	if w.Senior < w.Secondary {
		return errors.New("escalation: senior escalation must not precede secondary escalation")
	}
	if w.Approval < w.Senior {
		return errors.New("escalation: approval window must cover senior escalation")
	}
	return nil
}

// Timer is the armed wake-up of one proposal. Revision is the proposal
// revision the timer was planned from; a fire against any other revision
// is stale.
type Timer struct {
	ProposalID string              `json:"proposal_id"`
	Kind       contracts.TimerKind `json:"kind"`
	WakeAt     time.Time           `json:"wake_at"`
	Revision   int64               `json:"revision"`
}

// Plan computes the timer a proposal should have armed in its current
// state. Proposals that wait on nothing (final states) get none.
func Plan(p *contracts.Proposal, w Windows) (Timer, bool) {
	t := Timer{ProposalID: p.ID, Revision: p.Revision}
	entered := p.StateEnteredAt

	switch p.State {
	case contracts.StateQueued:
		t.Kind, t.WakeAt = contracts.TimerAutoApply, entered.Add(w.AutoApply)
	case contracts.StateAcknowledging:
		t.Kind, t.WakeAt = contracts.TimerAckWindow, entered.Add(w.Acknowledge)
	case contracts.StateApproving:
		expires := entered.Add(w.Approval)
		if p.ExpiresAt != nil {
			expires = *p.ExpiresAt
		}
		t.Kind, t.WakeAt = contracts.TimerExpire, expires
		switch p.EscalationLevel {
		case 0:
			if at := entered.Add(w.Secondary); at.Before(expires) {
				t.Kind, t.WakeAt = contracts.TimerSecondary, at
			}
		case 1:
			if at := entered.Add(w.Senior); at.Before(expires) {
				t.Kind, t.WakeAt = contracts.TimerSenior, at
			}
		}
	default:
		return Timer{}, false
	}
	return t, true
}
