package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
)

// EmergencyOverride applies a change immediately, skipping the waiting
// states. It still runs every invariant and still takes the unit lock.
// The decider must hold a signed artifact issued to them for this unit,
// and the applied proposal is flagged for mandatory follow-up review.
func (e *Engine) EmergencyOverride(ctx context.Context, req contracts.OverrideRequest) (*contracts.Proposal, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.EmergencyOverride")
	defer span.End()
	span.SetAttributes(observability.AttrUnitID.String(req.Change.UnitID))

	p, err := e.override(ctx, req)
	observability.SetSpanStatus(ctx, err)
	return p, err
}

func (e *Engine) override(ctx context.Context, req contracts.OverrideRequest) (*contracts.Proposal, error) {
	req.Decider = req.Decider.Normalized()
	if err := e.checkStruct(req); err != nil {
		return nil, err
	}

	probe := &contracts.Proposal{Request: req.Change, State: contracts.StateValidating}
	probe.Request.Proposer = probe.Request.Proposer.Normalized()
	if code, reason := checkDecider(probe, req.Decider); code != "" {
		return nil, e.refuseOverride(ctx, probe, req.Decider, code, reason)
	}
	if e.cfg.OverrideVerifier == nil {
		return nil, e.refuseOverride(ctx, probe, req.Decider, contracts.GuardInvalidArtifact, "emergency overrides are disabled")
	}
	claims, err := e.cfg.OverrideVerifier.Verify(req.Artifact, req.Change.UnitID, invariants.OverridePurposeEmergency, e.now())
	if err != nil {
		return nil, e.refuseOverride(ctx, probe, req.Decider, contracts.GuardInvalidArtifact, err.Error())
	}
	if !req.Decider.Same(contracts.Identity{ID: claims.Subject}) {
		return nil, e.refuseOverride(ctx, probe, req.Decider, contracts.GuardInvalidArtifact,
			fmt.Sprintf("artifact was issued to %s", claims.Subject))
	}

	sc, err := e.screen(ctx, req.Change)
	if err != nil {
		return nil, err
	}

	now := e.now()
	p := &contracts.Proposal{
		ID:             uuid.NewString(),
		Request:        sc.req,
		State:          contracts.StateValidating,
		Policy:         sc.verdict.PolicyResult(),
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
	}
	if !sc.verdict.Passed() {
		return e.block(ctx, p, sc.verdict)
	}

	assessment := e.classifier.Classify(risk.Input{Request: &p.Request, Unit: sc.unit, ChangedPaths: sc.changed, BatchPeers: sc.peers})
	p.Risk = assessment.Class
	p.Rationale = assessment.Rationale
	p.Concerns = assessment.ConcernNames()
	p.Fields = assessment.Fields

	if err := e.acquire(ctx, p.UnitID(), p.ID); err != nil {
		return nil, e.lockFailed(ctx, p, err)
	}

	p.Emergency = true
	p.FollowUpRequired = true
	p.Decision = &contracts.DecisionRecord{
		Outcome:   contracts.OutcomeEmergency,
		Approvers: []contracts.Identity{req.Decider},
		DecidedBy: req.Decider,
		Reason:    req.Justification,
		DecidedAt: now,
		Artifact:  req.Artifact,
	}
	e.enter(p, contracts.StateApplied, now)
	e.plan(p)

	if err := e.proposals.Create(ctx, p); err != nil {
		e.release(ctx, p)
		return nil, fmt.Errorf("create emergency proposal: %w", err)
	}

	e.observer.ProposalSubmitted(p.Risk)
	aerr := e.recordPath(ctx, p, transition{
		path:   []contracts.State{contracts.StateValidating, contracts.StateApplied},
		actor:  req.Decider,
		reason: req.Justification,
		meta: map[string]string{
			"outcome":  string(contracts.OutcomeEmergency),
			"risk":     string(p.Risk),
			"artifact": claims.ID,
		},
	})
	e.logger.Warn("emergency override applied",
		"proposal_id", p.ID,
		"unit_id", p.UnitID(),
		"decider", req.Decider.ID,
		"risk", p.Risk,
	)
	e.settle(ctx, p, escalation.Timer{}, false)

	n := contracts.Notification{
		Kind:       contracts.NotifyFollowUp,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		Pool:       contracts.PoolSenior,
		Message:    fmt.Sprintf("emergency change to %s by %s needs follow-up review", p.UnitID(), req.Decider.ID),
		At:         now,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Error("follow-up notification failed", "proposal_id", p.ID, "error", err)
	}
	return p, aerr
}

func (e *Engine) refuseOverride(ctx context.Context, probe *contracts.Proposal, decider contracts.Identity, code, reason string) error {
	aerr := e.audit.UnitEvent(ctx, contracts.AuditGuardRejected, probe.UnitID(), decider, reason,
		map[string]string{"code": code, "attempted": string(contracts.OutcomeEmergency)})
	e.observer.GuardRejected(code)
	e.logger.Warn("emergency override refused", "unit_id", probe.UnitID(), "decider", decider.ID, "code", code)
	gerr := &contracts.GuardError{Code: code, State: probe.State, Reason: reason}
	if aerr != nil {
		return errors.Join(gerr, aerr)
	}
	return gerr
}
