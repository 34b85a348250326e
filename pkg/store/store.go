// Package store persists proposals, unit metadata, unit locks, the audit
// chain and the actuator outbox. Every store has an in-memory implementation
// for tests and lite mode, and a database/sql implementation that runs on
// Postgres (lib/pq) and SQLite (modernc.org/sqlite).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

var (
	ErrProposalNotFound = fmt.Errorf("proposal %w", contracts.ErrNotFound)
	ErrUnitNotFound     = fmt.Errorf("unit %w", contracts.ErrNotFound)
	ErrStaleRevision    = fmt.Errorf("stale revision: %w", contracts.ErrConcurrencyConflict)
	ErrImmutable        = fmt.Errorf("proposal is final: %w", contracts.ErrTerminal)
	ErrDuplicate        = errors.New("duplicate record")
)

// ProposalStore is the durable record of every proposal. Update is a
// compare-and-swap on the revision counter.
type ProposalStore interface {
	Create(ctx context.Context, p *contracts.Proposal) error
	Get(ctx context.Context, id string) (*contracts.Proposal, error)
	// Update replaces the stored proposal if its revision equals expected.
	// p.Revision must be expected+1.
	Update(ctx context.Context, p *contracts.Proposal, expected int64) error
	List(ctx context.Context, f ProposalFilter) ([]*contracts.Proposal, error)
}

// ProposalFilter selects proposals. Zero fields match everything.
type ProposalFilter struct {
	States        []contracts.State
	Risk          contracts.RiskClass
	Space         string
	UnitID        string
	BatchID       string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	UpdatedAfter  time.Time
	Limit         int
}

// Match reports whether p passes the filter.
func (f ProposalFilter) Match(p *contracts.Proposal) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if p.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Risk != "" && p.Risk != f.Risk {
		return false
	}
	if f.Space != "" && p.Request.Space != f.Space {
		return false
	}
	if f.UnitID != "" && p.Request.UnitID != f.UnitID {
		return false
	}
	if f.BatchID != "" && p.Request.BatchID != f.BatchID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !p.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !p.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !p.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	return true
}

// ActiveStates are the states that hold a unit lock and an armed timer.
var ActiveStates = []contracts.State{
	contracts.StatePending,
	contracts.StateQueued,
	contracts.StateAcknowledging,
	contracts.StateApproving,
}

// UnitStore holds the governor's view of configuration units.
type UnitStore interface {
	Get(ctx context.Context, id string) (*contracts.UnitMetadata, error)
	// Put creates or replaces a unit's metadata.
	Put(ctx context.Context, u *contracts.UnitMetadata) error
	// Advance records an applied change: the document is replaced, the
	// revision increments and last-touched resets. It fails with
	// ErrStaleRevision if the unit moved past expected.
	Advance(ctx context.Context, id string, expected int64, doc json.RawMessage, touched time.Time) (*contracts.UnitMetadata, error)
	// CompareAndSwap replaces the unit with u if its stored revision and
	// last-touched (to the millisecond) still equal old's. It fails with
	// ErrStaleRevision otherwise.
	CompareAndSwap(ctx context.Context, old, u *contracts.UnitMetadata) error
	Delete(ctx context.Context, id string) error
	// CompareAndDelete deletes the unit under the same condition as
	// CompareAndSwap.
	CompareAndDelete(ctx context.Context, old *contracts.UnitMetadata) error
	List(ctx context.Context, f UnitFilter) ([]*contracts.UnitMetadata, error)
}

// UnitFilter selects units. Archived units are hidden unless IncludeArchived.
type UnitFilter struct {
	Space           string
	Tiers           []contracts.Tier
	IncludeArchived bool
}

// Match reports whether u passes the filter.
func (f UnitFilter) Match(u *contracts.UnitMetadata) bool {
	if u.Archived && !f.IncludeArchived {
		return false
	}
	if f.Space != "" && u.Space != f.Space {
		return false
	}
	if len(f.Tiers) > 0 {
		for _, t := range f.Tiers {
			if u.Tier == t {
				return true
			}
		}
		return false
	}
	return true
}

// LockTable is the durable unit -> proposal map behind the lock manager.
type LockTable interface {
	// Insert binds unit to proposal if unbound and reports whether it did.
	Insert(ctx context.Context, unitID, proposalID string, at time.Time) (bool, error)
	// Holder returns the proposal holding unit, if any.
	Holder(ctx context.Context, unitID string) (string, bool, error)
	// Lookup is Holder plus the time the lock was inserted.
	Lookup(ctx context.Context, unitID string) (string, time.Time, bool, error)
	// Delete unbinds unit only if proposal holds it and reports whether it did.
	Delete(ctx context.Context, unitID, proposalID string) (bool, error)
}

// AuditFilter selects audit events.
type AuditFilter struct {
	ProposalID string
	UnitID     string
	AfterSeq   uint64
	Since      time.Time
	Limit      int
}

// Match reports whether ev passes the filter.
func (f AuditFilter) Match(ev *contracts.AuditEvent) bool {
	if f.ProposalID != "" && ev.ProposalID != f.ProposalID {
		return false
	}
	if f.UnitID != "" && ev.UnitID != f.UnitID {
		return false
	}
	if f.AfterSeq > 0 && ev.Sequence <= f.AfterSeq {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLog is an append-only, hash-chained event log.
type AuditLog interface {
	// Append assigns the event's sequence and hashes and stores it.
	Append(ctx context.Context, ev contracts.AuditEvent) (*contracts.AuditEvent, error)
	Query(ctx context.Context, f AuditFilter) ([]contracts.AuditEvent, error)
	// Verify walks the whole chain and fails with ErrChainBroken on tampering.
	Verify(ctx context.Context) error
}
