package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// RecoverySummary counts what Recover repaired.
type RecoverySummary struct {
	Rearmed   int `json:"rearmed"`
	Relocked  int `json:"relocked"`
	Handoffs  int `json:"handoffs"`
	Released  int `json:"released"`
	Reclaimed int `json:"reclaimed"`
}

// Recover rebuilds in-process state after a restart. Waiting proposals
// get their persisted timer re-armed (an overdue one fires on the next
// scheduler pass) and their lock re-asserted. Recently applied proposals
// get their apply signal and unit advance repeated, both of which are
// idempotent. Locks still held by recently finished proposals are
// released, and any other stale lock on a registered unit is reclaimed.
func (e *Engine) Recover(ctx context.Context) (RecoverySummary, error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle.Recover")
	defer span.End()

	var sum RecoverySummary
	active, err := e.proposals.List(ctx, store.ProposalFilter{States: store.ActiveStates})
	if err != nil {
		return sum, fmt.Errorf("recover: list active proposals: %w", err)
	}
	for _, p := range active {
		if err := e.acquire(ctx, p.UnitID(), p.ID); err != nil {
			var ce *contracts.ConflictError
			if !errors.As(err, &ce) {
				return sum, fmt.Errorf("recover: lock %s: %w", p.UnitID(), err)
			}
			e.logger.Error("active proposal lost its unit lock", "proposal_id", p.ID, "unit_id", p.UnitID(), "held_by", ce.HeldBy)
		} else {
			sum.Relocked++
		}

		if p.NextWakeAt == nil || p.TimerKind == "" {
			next := p.Clone()
			if _, ok := e.plan(next); !ok {
				continue
			}
			p = next
		}
		e.scheduler.Arm(escalation.Timer{ProposalID: p.ID, Kind: p.TimerKind, WakeAt: *p.NextWakeAt, Revision: p.Revision})
		sum.Rearmed++
	}

	since := e.now().Add(-e.cfg.RecoveryHorizon)
	finished, err := e.proposals.List(ctx, store.ProposalFilter{
		States:       []contracts.State{contracts.StateApplied, contracts.StateRejected, contracts.StateExpired},
		UpdatedAfter: since,
	})
	if err != nil {
		return sum, fmt.Errorf("recover: list finished proposals: %w", err)
	}
	for _, p := range finished {
		if p.State == contracts.StateApplied {
			e.handoff(ctx, p)
			sum.Handoffs++
		}
		holder, held, err := e.locks.Holder(ctx, p.UnitID())
		if err != nil {
			return sum, fmt.Errorf("recover: lock holder %s: %w", p.UnitID(), err)
		}
		if held && holder == p.ID {
			e.release(ctx, p)
			sum.Released++
		}
	}

	reclaimed, err := e.reclaimStale(ctx)
	sum.Reclaimed = reclaimed
	if err != nil {
		return sum, err
	}

	e.logger.Info("recovery complete",
		"rearmed", sum.Rearmed,
		"relocked", sum.Relocked,
		"handoffs", sum.Handoffs,
		"released", sum.Released,
		"reclaimed", sum.Reclaimed,
	)
	return sum, nil
}

// reclaimStale walks every registered unit and releases stale locks.
// Orphaned locks younger than OrphanLockAge are left for a later pass.
func (e *Engine) reclaimStale(ctx context.Context) (int, error) {
	units, err := e.units.List(ctx, store.UnitFilter{IncludeArchived: true})
	if err != nil {
		return 0, fmt.Errorf("recover: list units: %w", err)
	}
	n := 0
	for _, u := range units {
		h, held, err := e.locks.Holding(ctx, u.ID)
		if err != nil {
			return n, fmt.Errorf("recover: lock holder %s: %w", u.ID, err)
		}
		if !held {
			continue
		}
		ok, err := e.reclaim(ctx, h)
		if err != nil {
			return n, fmt.Errorf("recover: reclaim %s: %w", u.ID, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}
