package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// MemoryProposalStore keeps proposals in a map. Values are cloned on the
// way in and out so callers never share state with the store.
type MemoryProposalStore struct {
	mu        sync.RWMutex
	proposals map[string]*contracts.Proposal
}

func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{proposals: make(map[string]*contracts.Proposal)}
}

func (s *MemoryProposalStore) Create(_ context.Context, p *contracts.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrDuplicate)
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryProposalStore) Get(_ context.Context, id string) (*contracts.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryProposalStore) Update(_ context.Context, p *contracts.Proposal, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.proposals[p.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if cur.State.IsFinal() {
		return ErrImmutable
	}
	if cur.Revision != expected || p.Revision != expected+1 {
		return ErrStaleRevision
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

func (s *MemoryProposalStore) List(_ context.Context, f ProposalFilter) ([]*contracts.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Proposal, 0)
	for _, p := range s.proposals {
		if f.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sortProposals(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortProposals(ps []*contracts.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// MemoryUnitStore keeps unit metadata in a map.
type MemoryUnitStore struct {
	mu    sync.RWMutex
	units map[string]*contracts.UnitMetadata
}

func NewMemoryUnitStore() *MemoryUnitStore {
	return &MemoryUnitStore{units: make(map[string]*contracts.UnitMetadata)}
}

func cloneUnit(u *contracts.UnitMetadata) *contracts.UnitMetadata {
	c := *u
	c.Document = append(json.RawMessage(nil), u.Document...)
	if u.WarnedAt != nil {
		t := *u.WarnedAt
		c.WarnedAt = &t
	}
	return &c
}

func (s *MemoryUnitStore) Get(_ context.Context, id string) (*contracts.UnitMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	return cloneUnit(u), nil
}

func (s *MemoryUnitStore) Put(_ context.Context, u *contracts.UnitMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = cloneUnit(u)
	return nil
}

func (s *MemoryUnitStore) Advance(_ context.Context, id string, expected int64, doc json.RawMessage, touched time.Time) (*contracts.UnitMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, ErrUnitNotFound
	}
	if u.Revision != expected {
		return nil, ErrStaleRevision
	}
	u.Revision++
	u.Document = append(json.RawMessage(nil), doc...)
	u.LastTouched = touched
	u.WarnedAt = nil
	return cloneUnit(u), nil
}

// unchanged reports whether cur is still the version old was read at.
func unchanged(old, cur *contracts.UnitMetadata) bool {
	return cur.Revision == old.Revision && cur.LastTouched.UnixMilli() == old.LastTouched.UnixMilli()
}

func (s *MemoryUnitStore) CompareAndSwap(_ context.Context, old, u *contracts.UnitMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.units[old.ID]
	if !ok {
		return ErrUnitNotFound
	}
	if !unchanged(old, cur) {
		return ErrStaleRevision
	}
	s.units[u.ID] = cloneUnit(u)
	return nil
}

func (s *MemoryUnitStore) CompareAndDelete(_ context.Context, old *contracts.UnitMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.units[old.ID]
	if !ok {
		return ErrUnitNotFound
	}
	if !unchanged(old, cur) {
		return ErrStaleRevision
	}
	delete(s.units, old.ID)
	return nil
}

func (s *MemoryUnitStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[id]; !ok {
		return ErrUnitNotFound
	}
	delete(s.units, id)
	return nil
}

func (s *MemoryUnitStore) List(_ context.Context, f UnitFilter) ([]*contracts.UnitMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.UnitMetadata, 0, len(s.units))
	for _, u := range s.units {
		if f.Match(u) {
			out = append(out, cloneUnit(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryLockTable is a LockTable over a map, for tests of lock managers.
type MemoryLockTable struct {
	mu    sync.Mutex
	locks map[string]lockRow
}

type lockRow struct {
	proposalID string
	at         time.Time
}

func NewMemoryLockTable() *MemoryLockTable {
	return &MemoryLockTable{locks: make(map[string]lockRow)}
}

func (t *MemoryLockTable) Insert(_ context.Context, unitID, proposalID string, at time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[unitID]; held {
		return false, nil
	}
	t.locks[unitID] = lockRow{proposalID: proposalID, at: at}
	return true, nil
}

func (t *MemoryLockTable) Holder(_ context.Context, unitID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.locks[unitID]
	return row.proposalID, ok, nil
}

func (t *MemoryLockTable) Lookup(_ context.Context, unitID string) (string, time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.locks[unitID]
	return row.proposalID, row.at, ok, nil
}

func (t *MemoryLockTable) Delete(_ context.Context, unitID, proposalID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.locks[unitID]; !ok || row.proposalID != proposalID {
		return false, nil
	}
	delete(t.locks, unitID)
	return true, nil
}
