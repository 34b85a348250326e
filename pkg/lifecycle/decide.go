package lifecycle

import (
	"context"
	"fmt"
	"strconv"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
)

// Decide applies a human decision to a waiting proposal.
//
// A refused decision returns a *GuardError. The proposal is unchanged and
// the attempt is audited. Deciding on a terminal proposal is always
// refused, so a resubmitted decision never changes anything.
func (e *Engine) Decide(ctx context.Context, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Decide")
	defer span.End()
	span.SetAttributes(
		observability.AttrProposalID.String(sub.ProposalID),
		observability.AttrDecision.String(string(sub.Decision)),
	)

	p, err := e.decide(ctx, sub)
	observability.SetSpanStatus(ctx, err)
	return p, err
}

func (e *Engine) decide(ctx context.Context, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	sub.Decider = sub.Decider.Normalized()
	if err := e.checkStruct(sub); err != nil {
		return nil, err
	}

	mu := e.stripe(sub.ProposalID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := e.proposals.Get(ctx, sub.ProposalID)
	if err != nil {
		return nil, err
	}
	if sub.ExpectedRevision != 0 && sub.ExpectedRevision != cur.Revision {
		return nil, &contracts.ConflictError{
			UnitID: cur.UnitID(),
			Reason: fmt.Sprintf("proposal %s is at revision %d, not %d", cur.ID, cur.Revision, sub.ExpectedRevision),
		}
	}

	attempted := string(sub.Decision)
	if cur.State.IsFinal() {
		return nil, e.guard(ctx, cur, sub.Decider, contracts.GuardTerminal, attempted,
			fmt.Sprintf("proposal already %s", cur.State))
	}

	switch sub.Decision {
	case contracts.DecisionCancel:
		return e.cancel(ctx, cur, sub)
	case contracts.DecisionAcknowledge:
		return e.acknowledge(ctx, cur, sub)
	case contracts.DecisionApprove:
		return e.approve(ctx, cur, sub)
	case contracts.DecisionReject:
		return e.reject(ctx, cur, sub)
	}
	return nil, e.invalid("unknown decision %q", sub.Decision)
}

// checkDecider refuses deciders who are not approval-capable humans other
// than the proposer. It reports the guard code, or "" when allowed.
func checkDecider(p *contracts.Proposal, decider contracts.Identity) (string, string) {
	switch {
	case decider.Same(p.Proposer()):
		return contracts.GuardSelfApproval, "the proposer cannot decide on their own change"
	case !decider.MayApprove():
		return contracts.GuardNotCapable, fmt.Sprintf("%s %s is not approval-capable", decider.Kind, decider.ID)
	}
	return "", ""
}

func (e *Engine) requireState(ctx context.Context, p *contracts.Proposal, sub contracts.DecisionSubmission, want contracts.State) error {
	if p.State == want {
		return nil
	}
	return e.guard(ctx, p, sub.Decider, contracts.GuardWrongState, string(sub.Decision),
		fmt.Sprintf("%s needs state %s", sub.Decision, want))
}

func (e *Engine) cancel(ctx context.Context, cur *contracts.Proposal, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	if err := e.requireState(ctx, cur, sub, contracts.StateQueued); err != nil {
		return nil, err
	}
	if !sub.Decider.Same(cur.Proposer()) && sub.Decider.Kind != contracts.IdentityHuman {
		return nil, e.guard(ctx, cur, sub.Decider, contracts.GuardNotCapable, string(sub.Decision),
			"only the proposer or a human may cancel a queued change")
	}
	return e.finish(ctx, cur, contracts.StateRejected, contracts.OutcomeCancelled, sub)
}

func (e *Engine) acknowledge(ctx context.Context, cur *contracts.Proposal, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	if err := e.requireState(ctx, cur, sub, contracts.StateAcknowledging); err != nil {
		return nil, err
	}
	if code, reason := checkDecider(cur, sub.Decider); code != "" {
		return nil, e.guard(ctx, cur, sub.Decider, code, string(sub.Decision), reason)
	}
	next := cur.Clone()
	next.Acknowledgement = &contracts.Approval{Decider: sub.Decider, At: e.now(), Reason: sub.Reason}
	return e.finishFrom(ctx, cur, next, contracts.StateApplied, contracts.OutcomeAcknowledged, sub)
}

func (e *Engine) approve(ctx context.Context, cur *contracts.Proposal, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	if err := e.requireState(ctx, cur, sub, contracts.StateApproving); err != nil {
		return nil, err
	}
	if code, reason := checkDecider(cur, sub.Decider); code != "" {
		return nil, e.guard(ctx, cur, sub.Decider, code, string(sub.Decision), reason)
	}
	if cur.ApprovedBy(sub.Decider) {
		return nil, e.guard(ctx, cur, sub.Decider, contracts.GuardDuplicate, string(sub.Decision),
			fmt.Sprintf("%s has already approved", sub.Decider.ID))
	}

	next := cur.Clone()
	next.Approvals = append(next.Approvals, contracts.Approval{Decider: sub.Decider, At: e.now(), Reason: sub.Reason})
	if len(next.Approvals) >= next.RequiredApprovals {
		return e.finishFrom(ctx, cur, next, contracts.StateApplied, contracts.OutcomeApproved, sub)
	}

	// Partial approval: the proposal stays APPROVING with its timer intact.
	out, err := e.commit(ctx, cur, next, transition{})
	if err != nil {
		return out, err
	}
	e.logger.Info("approval recorded",
		"proposal_id", out.ID,
		"decider", sub.Decider.ID,
		"approvals", len(out.Approvals),
		"required", out.RequiredApprovals,
	)
	return out, e.audit.Annotate(ctx, contracts.AuditApproval, out, sub.Decider, sub.Reason, map[string]string{
		"approvals": strconv.Itoa(len(out.Approvals)),
		"required":  strconv.Itoa(out.RequiredApprovals),
	})
}

func (e *Engine) reject(ctx context.Context, cur *contracts.Proposal, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	if err := e.requireState(ctx, cur, sub, contracts.StateApproving); err != nil {
		return nil, err
	}
	if code, reason := checkDecider(cur, sub.Decider); code != "" {
		return nil, e.guard(ctx, cur, sub.Decider, code, string(sub.Decision), reason)
	}
	return e.finish(ctx, cur, contracts.StateRejected, contracts.OutcomeRejected, sub)
}

func (e *Engine) finish(ctx context.Context, cur *contracts.Proposal, to contracts.State, outcome contracts.Outcome, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	return e.finishFrom(ctx, cur, cur.Clone(), to, outcome, sub)
}

// finishFrom moves next into a terminal state and writes its decision record.
func (e *Engine) finishFrom(ctx context.Context, cur, next *contracts.Proposal, to contracts.State, outcome contracts.Outcome, sub contracts.DecisionSubmission) (*contracts.Proposal, error) {
	now := e.now()
	approvers := make([]contracts.Identity, 0, len(next.Approvals)+1)
	for _, a := range next.Approvals {
		approvers = append(approvers, a.Decider)
	}
	minimum := next.RequiredApprovals
	if next.Acknowledgement != nil {
		approvers = append(approvers, next.Acknowledgement.Decider)
		minimum = max(minimum, 1)
	}
	next.Decision = &contracts.DecisionRecord{
		Outcome:      outcome,
		Approvers:    approvers,
		MinApprovers: minimum,
		DecidedBy:    sub.Decider,
		Reason:       sub.Reason,
		DecidedAt:    now,
	}
	e.enter(next, to, now)
	return e.commit(ctx, cur, next, transition{
		path:   []contracts.State{cur.State, to},
		actor:  sub.Decider,
		reason: sub.Reason,
		meta:   map[string]string{"outcome": string(outcome)},
	})
}

// ReportActuatorResult annotates an applied proposal with the actuator's
// outcome. It never changes the proposal's state.
func (e *Engine) ReportActuatorResult(ctx context.Context, proposalID string, report contracts.ActuatorReport) (*contracts.Proposal, error) {
	report.Reporter = report.Reporter.Normalized()
	p, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != contracts.StateApplied {
		return nil, e.guard(ctx, p, report.Reporter, contracts.GuardWrongState, "actuator_result",
			"actuator results are only accepted for applied proposals")
	}

	result := "success"
	if !report.Success {
		result = "failure"
		e.logger.Warn("actuator reported apply failure", "proposal_id", p.ID, "unit_id", p.UnitID(), "message", report.Message)
	}
	return p, e.audit.Annotate(ctx, contracts.AuditActuatorResult, p, report.Reporter, report.Message,
		map[string]string{"result": result})
}
