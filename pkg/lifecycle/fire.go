package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// Fire handles an expired timer. It is the escalation.Handler of the
// scheduler. A timer armed for an older revision, or for a proposal that
// has since left the state that armed it, is ignored.
func (e *Engine) Fire(ctx context.Context, t escalation.Timer) error {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Fire")
	defer span.End()
	span.SetAttributes(
		observability.AttrProposalID.String(t.ProposalID),
		observability.AttrTimerKind.String(string(t.Kind)),
	)

	mu := e.stripe(t.ProposalID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := e.proposals.Get(ctx, t.ProposalID)
	if errors.Is(err, store.ErrProposalNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.State.IsFinal() || cur.Revision != t.Revision || cur.TimerKind != t.Kind {
		e.logger.Debug("stale timer ignored",
			"proposal_id", cur.ID,
			"timer_kind", t.Kind,
			"timer_revision", t.Revision,
			"revision", cur.Revision,
			"state", cur.State,
		)
		return nil
	}

	now := e.now()
	next := cur.Clone()
	sys := contracts.SystemActor

	switch t.Kind {
	case contracts.TimerAutoApply:
		next.Decision = &contracts.DecisionRecord{Outcome: contracts.OutcomeAutoApplied, DecidedBy: sys, DecidedAt: now,
			Reason: "auto-apply delay elapsed without cancellation"}
		e.enter(next, contracts.StateApplied, now)
		_, err = e.commit(ctx, cur, next, transition{
			path:   []contracts.State{cur.State, contracts.StateApplied},
			actor:  sys,
			reason: "auto-apply delay elapsed",
			meta:   map[string]string{"outcome": string(contracts.OutcomeAutoApplied)},
		})

	case contracts.TimerAckWindow:
		// Escalated MEDIUM changes need one approval, whatever the HIGH setting.
		next.RequiredApprovals = 1
		e.enter(next, contracts.StateApproving, now)
		_, err = e.commit(ctx, cur, next, transition{
			path:   []contracts.State{cur.State, contracts.StateApproving},
			actor:  sys,
			reason: "acknowledgement window elapsed",
		})

	case contracts.TimerSecondary, contracts.TimerSenior:
		next.EscalationLevel = cur.EscalationLevel + 1
		var out *contracts.Proposal
		out, err = e.commit(ctx, cur, next, transition{})
		if out != nil {
			err = errors.Join(err, e.escalate(ctx, out, now))
		}

	case contracts.TimerExpire:
		next.Decision = &contracts.DecisionRecord{Outcome: contracts.OutcomeExpired, DecidedBy: sys, DecidedAt: now,
			MinApprovers: cur.RequiredApprovals, Reason: "approval window elapsed without a decision"}
		for _, a := range cur.Approvals {
			next.Decision.Approvers = append(next.Decision.Approvers, a.Decider)
		}
		e.enter(next, contracts.StateExpired, now)
		_, err = e.commit(ctx, cur, next, transition{
			path:   []contracts.State{cur.State, contracts.StateExpired},
			actor:  sys,
			reason: "approval window elapsed",
			meta:   map[string]string{"outcome": string(contracts.OutcomeExpired)},
		})

	default:
		return fmt.Errorf("lifecycle: unknown timer kind %q", t.Kind)
	}
	return err
}

// escalate notifies the pool of the proposal's new level. The notification
// goes out even when the escalation could not be audited.
func (e *Engine) escalate(ctx context.Context, p *contracts.Proposal, now time.Time) error {
	pool := contracts.PoolForLevel(p.EscalationLevel)
	level := strconv.Itoa(p.EscalationLevel)
	aerr := e.audit.Annotate(ctx, contracts.AuditEscalation, p, contracts.SystemActor, "escalated to "+pool,
		map[string]string{"pool": pool, "level": level})
	e.logger.Info("proposal escalated", "proposal_id", p.ID, "unit_id", p.UnitID(), "pool", pool, "level", p.EscalationLevel)

	n := contracts.Notification{
		Kind:       contracts.NotifyEscalation,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		Pool:       pool,
		Level:      p.EscalationLevel,
		Message:    fmt.Sprintf("%s change to %s awaits a decision", p.Risk, p.UnitID()),
		At:         now,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Error("escalation notification failed", "proposal_id", p.ID, "pool", pool, "error", err)
	}
	return aerr
}
