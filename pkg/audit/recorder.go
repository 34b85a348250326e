// Package audit records every lifecycle event of the governor into the
// hash-chained audit log and exports the chain to compliance storage.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// ErrNotRecorded wraps every failed audit append.
var ErrNotRecorded = errors.New("audit event not recorded")

// Recorder appends structured events to an AuditLog.
//
// Audit writes happen after the state change they describe has committed.
// A failed write never undoes the transition; it is returned wrapped in
// ErrNotRecorded for the caller to surface.
type Recorder struct {
	log    store.AuditLog
	logger *slog.Logger
}

// NewRecorder creates a Recorder over log.
func NewRecorder(log store.AuditLog) *Recorder {
	return &Recorder{
		log:    log,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record appends ev and returns it sealed.
func (r *Recorder) Record(ctx context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error) {
	out, err := r.log.Append(ctx, ev)
	if err != nil {
		r.logger.Error("audit append failed",
			"action", ev.Action,
			"proposal_id", ev.ProposalID,
			"unit_id", ev.UnitID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotRecorded, ev.Action, err)
	}
	return out, nil
}

func (r *Recorder) record(ctx context.Context, ev contracts.AuditEvent) error {
	_, err := r.Record(ctx, ev)
	return err
}

// Transition records a committed state change.
func (r *Recorder) Transition(ctx context.Context, p *contracts.Proposal, from, to contracts.State, actor contracts.Identity, reason string, meta map[string]string) error {
	return r.record(ctx, contracts.AuditEvent{
		Action:     contracts.AuditTransition,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		FromState:  from,
		ToState:    to,
		Actor:      actor,
		Reason:     reason,
		Metadata:   meta,
	})
}

// GuardRejected records a refused lifecycle event. The proposal did not move.
func (r *Recorder) GuardRejected(ctx context.Context, p *contracts.Proposal, actor contracts.Identity, gerr *contracts.GuardError, attempted string) error {
	return r.record(ctx, contracts.AuditEvent{
		Action:     contracts.AuditGuardRejected,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		FromState:  p.State,
		ToState:    p.State,
		Actor:      actor,
		Reason:     gerr.Reason,
		Metadata: map[string]string{
			"code":      gerr.Code,
			"attempted": attempted,
		},
	})
}

// Annotate records an event on a proposal that is not a transition, such
// as a partial approval, an escalation or an actuator report.
func (r *Recorder) Annotate(ctx context.Context, action contracts.AuditAction, p *contracts.Proposal, actor contracts.Identity, reason string, meta map[string]string) error {
	return r.record(ctx, contracts.AuditEvent{
		Action:     action,
		ProposalID: p.ID,
		UnitID:     p.UnitID(),
		FromState:  p.State,
		ToState:    p.State,
		Actor:      actor,
		Reason:     reason,
		Metadata:   meta,
	})
}

// UnitEvent records an event about a unit with no proposal attached.
func (r *Recorder) UnitEvent(ctx context.Context, action contracts.AuditAction, unitID string, actor contracts.Identity, reason string, meta map[string]string) error {
	return r.record(ctx, contracts.AuditEvent{
		Action:   action,
		UnitID:   unitID,
		Actor:    actor,
		Reason:   reason,
		Metadata: meta,
	})
}

// Events returns events matching f in chain order.
func (r *Recorder) Events(ctx context.Context, f store.AuditFilter) ([]contracts.AuditEvent, error) {
	return r.log.Query(ctx, f)
}

// Verify checks the whole chain.
func (r *Recorder) Verify(ctx context.Context) error {
	return r.log.Verify(ctx)
}
