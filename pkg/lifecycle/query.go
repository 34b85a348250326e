package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// ListFilter narrows a proposal listing.
type ListFilter struct {
	State     contracts.State
	Risk      contracts.RiskClass
	Space     string
	UnitID    string
	OlderThan time.Duration
	NewerThan time.Duration
	Limit     int
}

// Get returns a proposal by id.
func (e *Engine) Get(ctx context.Context, id string) (*contracts.Proposal, error) {
	return e.proposals.Get(ctx, id)
}

// List returns proposals matching f, oldest first. OlderThan and NewerThan
// are ages relative to now, so "pending approvals older than 24h" is
// ListFilter{State: APPROVING, OlderThan: 24 * time.Hour}.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]*contracts.Proposal, error) {
	now := e.now()
	pf := store.ProposalFilter{
		Risk:   f.Risk,
		Space:  f.Space,
		UnitID: f.UnitID,
		Limit:  f.Limit,
	}
	if f.State != "" {
		pf.States = []contracts.State{f.State}
	}
	if f.OlderThan > 0 {
		pf.CreatedBefore = now.Add(-f.OlderThan)
	}
	if f.NewerThan > 0 {
		pf.CreatedAfter = now.Add(-f.NewerThan)
	}
	return e.proposals.List(ctx, pf)
}

// Events returns the audit trail of one proposal in chain order.
func (e *Engine) Events(ctx context.Context, proposalID string) ([]contracts.AuditEvent, error) {
	if _, err := e.proposals.Get(ctx, proposalID); err != nil {
		return nil, err
	}
	return e.audit.Events(ctx, store.AuditFilter{ProposalID: proposalID})
}

// Reconstruct replays a proposal's audit trail and checks it ends in the
// proposal's stored state.
func (e *Engine) Reconstruct(ctx context.Context, proposalID string) (contracts.State, error) {
	p, err := e.proposals.Get(ctx, proposalID)
	if err != nil {
		return "", err
	}
	events, err := e.audit.Events(ctx, store.AuditFilter{ProposalID: proposalID})
	if err != nil {
		return "", err
	}
	state, err := audit.Replay(events)
	if err != nil {
		return "", err
	}
	if state != p.State {
		return state, fmt.Errorf("%w: audit trail ends in %s, proposal is %s", audit.ErrBrokenLifecycle, state, p.State)
	}
	return state, nil
}

// Unit returns a registered unit.
func (e *Engine) Unit(ctx context.Context, id string) (*contracts.UnitMetadata, error) {
	return e.units.Get(ctx, id)
}

// Units lists registered units.
func (e *Engine) Units(ctx context.Context, f store.UnitFilter) ([]*contracts.UnitMetadata, error) {
	return e.units.List(ctx, f)
}

// registerAttempts bounds how often RegisterUnit re-reads a unit that
// moved under it.
const registerAttempts = 3

// RegisterUnit creates or updates a unit's metadata. The engine never
// changes a unit's content here: an existing unit keeps its tier, revision
// and document. The document and revision move only when a proposal is
// applied, and a unit changes tier only by promoting into another unit.
func (e *Engine) RegisterUnit(ctx context.Context, u contracts.UnitMetadata, actor contracts.Identity) (*contracts.UnitMetadata, error) {
	actor = actor.Normalized()
	if err := e.checkStruct(u); err != nil {
		return nil, err
	}
	if u.Tier.Durable() && u.TTL > 0 {
		return nil, e.invalid("%s unit %s cannot carry a TTL", u.Tier, u.ID)
	}
	if u.TTL < 0 {
		return nil, e.invalid("negative TTL")
	}
	if u.TTL > 0 && u.ExpirationMode == "" {
		u.ExpirationMode = contracts.ExpireDelete
	}

	var err error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		err = e.register(ctx, &u)
		if !errors.Is(err, store.ErrStaleRevision) {
			break
		}
		e.logger.Debug("unit moved during registration", "unit_id", u.ID, "attempt", attempt+1)
	}
	if err != nil {
		return nil, err
	}

	if err := e.audit.UnitEvent(ctx, contracts.AuditUnitRegistered, u.ID, actor, "", map[string]string{
		"tier": string(u.Tier),
		"ttl":  time.Duration(u.TTL).String(),
	}); err != nil {
		return nil, err
	}
	e.logger.Info("unit registered", "unit_id", u.ID, "space", u.Space, "tier", u.Tier, "ttl", time.Duration(u.TTL))
	return &u, nil
}

// register writes u over the current version of the unit, if any.
func (e *Engine) register(ctx context.Context, u *contracts.UnitMetadata) error {
	u.LastTouched = e.now()
	u.WarnedAt = nil

	existing, err := e.units.Get(ctx, u.ID)
	if errors.Is(err, contracts.ErrNotFound) {
		if u.Revision < 0 {
			u.Revision = 0
		}
		if err := e.units.Put(ctx, u); err != nil {
			return fmt.Errorf("register unit %s: %w", u.ID, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Tier != u.Tier {
		return e.invalid("unit %s is %s and cannot be re-registered as %s", u.ID, existing.Tier, u.Tier)
	}
	u.Revision = existing.Revision
	u.Document = existing.Document
	u.Archived = existing.Archived
	if err := e.units.CompareAndSwap(ctx, existing, u); err != nil {
		if errors.Is(err, store.ErrStaleRevision) || errors.Is(err, contracts.ErrNotFound) {
			return store.ErrStaleRevision
		}
		return fmt.Errorf("register unit %s: %w", u.ID, err)
	}
	return nil
}
