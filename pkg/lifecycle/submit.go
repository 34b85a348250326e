package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/patch"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// routes maps a risk class to the waiting state it enters from PENDING.
var routes = map[contracts.RiskClass]contracts.State{
	contracts.RiskLow:    contracts.StateQueued,
	contracts.RiskMedium: contracts.StateAcknowledging,
	contracts.RiskHigh:   contracts.StateApproving,
}

// screened is a change that passed request validation and has a unit to
// apply to.
type screened struct {
	req     contracts.ChangeRequest
	unit    *contracts.UnitMetadata
	source  *contracts.UnitMetadata
	changed []string
	verdict invariants.Result
	// peers counts admitted proposals already in the request's batch.
	peers int
}

// Submit validates, classifies and routes a change request.
//
// A request that violates an invariant is persisted as BLOCKED and
// returned together with an *InvariantViolationError. Otherwise the
// proposal takes the unit's lock and is returned in QUEUED, ACKNOWLEDGING
// or APPROVING according to its risk.
func (e *Engine) Submit(ctx context.Context, req contracts.ChangeRequest) (*contracts.Proposal, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Submit")
	defer span.End()
	span.SetAttributes(observability.AttrUnitID.String(req.UnitID))

	sc, err := e.screen(ctx, req)
	if err != nil {
		observability.SetSpanStatus(ctx, err)
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
	span.SetAttributes(observability.AttrProposalID.String(p.ID))

	if !sc.verdict.Passed() {
		return e.block(ctx, p, sc.verdict)
	}

	assessment := e.classifier.Classify(risk.Input{Request: &p.Request, Unit: sc.unit, ChangedPaths: sc.changed, BatchPeers: sc.peers})
	p.Risk = assessment.Class
	p.Rationale = assessment.Rationale
	p.Concerns = assessment.ConcernNames()
	p.Fields = assessment.Fields
	span.SetAttributes(observability.AttrRisk.String(string(p.Risk)))

	if err := e.acquire(ctx, p.UnitID(), p.ID); err != nil {
		return nil, e.lockFailed(ctx, p, err)
	}

	routed := routes[p.Risk]
	e.enter(p, routed, now)
	if routed == contracts.StateApproving {
		p.RequiredApprovals = e.cfg.HighRiskApprovers
	}
	timer, armed := e.plan(p)

	if err := e.proposals.Create(ctx, p); err != nil {
		e.release(ctx, p)
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	e.observer.ProposalSubmitted(p.Risk)
	aerr := e.recordPath(ctx, p, transition{
		path:   []contracts.State{contracts.StateValidating, contracts.StatePending, routed},
		actor:  p.Proposer(),
		reason: p.Rationale,
		meta: map[string]string{
			"risk":     string(p.Risk),
			"concerns": strings.Join(p.Concerns, ","),
			"rules":    sc.verdict.Version,
		},
	})
	if armed {
		e.scheduler.Arm(timer)
	}
	return p, aerr
}

// screen checks the request shape and loads the units it references.
func (e *Engine) screen(ctx context.Context, req contracts.ChangeRequest) (*screened, error) {
	req.Proposer = req.Proposer.Normalized()
	if err := e.checkStruct(req); err != nil {
		return nil, err
	}
	if req.Patch.Empty() && req.Op() == contracts.OperationUpdate {
		return nil, e.invalid("patch is empty")
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = e.now()
	}

	unit, err := e.units.Get(ctx, req.UnitID)
	if err != nil {
		return nil, err
	}
	if unit.Archived {
		return nil, e.invalid("unit %s is archived", unit.ID)
	}
	if req.BaseRevision != unit.Revision {
		return nil, &contracts.ConflictError{
			UnitID: unit.ID,
			Reason: fmt.Sprintf("base revision %d is behind current revision %d", req.BaseRevision, unit.Revision),
		}
	}

	sc := &screened{req: req, unit: unit}
	if req.SourceUnit != "" {
		// An unregistered source is left nil for the promotion rule to report.
		src, err := e.units.Get(ctx, req.SourceUnit)
		switch {
		case err == nil:
			sc.source = src
			if req.Op() == contracts.OperationPromote && sc.req.Patch.Empty() {
				sc.req.Patch.Document = append([]byte(nil), src.Document...)
			}
		case !errors.Is(err, contracts.ErrNotFound):
			return nil, fmt.Errorf("source unit: %w", err)
		}
	}

	if !sc.req.Patch.Empty() {
		changed, perr := patch.ChangedPaths(sc.req.Patch, unit.Document)
		if perr != nil {
			sc.verdict = invariants.Result{
				Version:    e.evaluator.Version(),
				Violations: []contracts.Violation{{RuleID: invariants.RuleWellFormed, Message: perr.Error()}},
			}
			return sc, nil
		}
		sc.changed = changed
	}

	if sc.peers, err = e.batchPeers(ctx, sc.req.BatchID); err != nil {
		return nil, err
	}

	sc.verdict = e.evaluator.Evaluate(invariants.Input{
		Request:      &sc.req,
		Unit:         unit,
		Source:       sc.source,
		ChangedPaths: sc.changed,
	})
	return sc, nil
}

// batchPeers counts the proposals of a batch that were admitted. Blocked
// members never took effect and do not count.
func (e *Engine) batchPeers(ctx context.Context, batchID string) (int, error) {
	if batchID == "" {
		return 0, nil
	}
	members, err := e.proposals.List(ctx, store.ProposalFilter{BatchID: batchID})
	if err != nil {
		return 0, fmt.Errorf("batch %s: %w", batchID, err)
	}
	n := 0
	for _, p := range members {
		if p.State != contracts.StateBlocked {
			n++
		}
	}
	return n, nil
}

// block persists a proposal that failed invariant evaluation.
func (e *Engine) block(ctx context.Context, p *contracts.Proposal, verdict invariants.Result) (*contracts.Proposal, error) {
	p.State = contracts.StateBlocked
	if err := e.proposals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create blocked proposal: %w", err)
	}
	violation := &contracts.InvariantViolationError{ProposalID: p.ID, Violations: verdict.Violations}
	aerr := e.recordPath(ctx, p, transition{
		path:   []contracts.State{contracts.StateValidating, contracts.StateBlocked},
		actor:  p.Proposer(),
		reason: violation.Error(),
		meta:   map[string]string{"rules": verdict.Version},
	})
	if aerr != nil {
		return p, errors.Join(violation, aerr)
	}
	return p, violation
}

func (e *Engine) lockFailed(ctx context.Context, p *contracts.Proposal, err error) error {
	var ce *contracts.ConflictError
	if !errors.As(err, &ce) {
		return fmt.Errorf("acquire unit lock: %w", err)
	}
	e.observer.LockConflict()
	aerr := e.audit.UnitEvent(ctx, contracts.AuditLockConflict, p.UnitID(), p.Proposer(), ce.Error(),
		map[string]string{"held_by": ce.HeldBy, "risk": string(p.Risk)})
	e.logger.Warn("unit lock conflict", "unit_id", p.UnitID(), "held_by", ce.HeldBy, "proposer", p.Proposer().ID)
	if aerr != nil {
		return errors.Join(ce, aerr)
	}
	return ce
}
