// Package lock serializes changes per configuration unit. At most one
// non-terminal proposal holds a unit at any time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

// ErrNotHolder is returned when a proposal releases a unit someone else holds.
var ErrNotHolder = errors.New("lock is held by another proposal")

// Manager is a per-unit mutual exclusion table.
//
// Acquire is atomic: of any number of concurrent callers for one unit,
// exactly one succeeds. Re-acquiring a unit the proposal already holds
// succeeds. Release is idempotent.
type Manager interface {
	Acquire(ctx context.Context, unitID, proposalID string) error
	Release(ctx context.Context, unitID, proposalID string) error
	Holder(ctx context.Context, unitID string) (string, bool, error)
	// Holding is Holder plus the time the holder took the lock.
	Holding(ctx context.Context, unitID string) (Holding, bool, error)
}

// Holding is a held unit lock.
type Holding struct {
	UnitID     string
	HolderID   string
	AcquiredAt time.Time
}

// Age is how long the lock has been held at now.
func (h Holding) Age(now time.Time) time.Duration {
	return now.Sub(h.AcquiredAt)
}

func conflict(unitID, holder string) error {
	return &contracts.ConflictError{UnitID: unitID, HeldBy: holder}
}

// MemoryManager is a process-local Manager.
type MemoryManager struct {
	locks sync.Map // unitID -> Holding
	clock func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryManager) WithClock(clock func() time.Time) *MemoryManager {
	m.clock = clock
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, unitID, proposalID string) error {
	held, loaded := m.locks.LoadOrStore(unitID, Holding{UnitID: unitID, HolderID: proposalID, AcquiredAt: m.clock()})
	if !loaded {
		return nil
	}
	if holder := held.(Holding).HolderID; holder != proposalID {
		return conflict(unitID, holder)
	}
	return nil
}

func (m *MemoryManager) Release(_ context.Context, unitID, proposalID string) error {
	for {
		held, ok := m.locks.Load(unitID)
		if !ok {
			return nil
		}
		if held.(Holding).HolderID != proposalID {
			return ErrNotHolder
		}
		if m.locks.CompareAndDelete(unitID, held) {
			return nil
		}
	}
}

func (m *MemoryManager) Holder(ctx context.Context, unitID string) (string, bool, error) {
	h, ok, err := m.Holding(ctx, unitID)
	return h.HolderID, ok, err
}

func (m *MemoryManager) Holding(_ context.Context, unitID string) (Holding, bool, error) {
	held, ok := m.locks.Load(unitID)
	if !ok {
		return Holding{}, false, nil
	}
	return held.(Holding), true, nil
}

// TableManager is a Manager over a durable store.LockTable, so locks
// survive restarts and are shared by every governor on the same database.
type TableManager struct {
	table store.LockTable
	clock func() time.Time
}

func NewTableManager(table store.LockTable) *TableManager {
	return &TableManager{table: table, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *TableManager) WithClock(clock func() time.Time) *TableManager {
	m.clock = clock
	return m
}

func (m *TableManager) Acquire(ctx context.Context, unitID, proposalID string) error {
	ok, err := m.table.Insert(ctx, unitID, proposalID, m.clock())
	if err != nil {
		return fmt.Errorf("acquire %s: %w", unitID, err)
	}
	if ok {
		return nil
	}
	holder, held, err := m.table.Holder(ctx, unitID)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", unitID, err)
	}
	if !held {
		// Released between the insert and the read; one more try.
		if ok, err = m.table.Insert(ctx, unitID, proposalID, m.clock()); err != nil {
			return fmt.Errorf("acquire %s: %w", unitID, err)
		} else if ok {
			return nil
		}
		holder, _, _ = m.table.Holder(ctx, unitID)
	}
	if holder == proposalID {
		return nil
	}
	return conflict(unitID, holder)
}

func (m *TableManager) Release(ctx context.Context, unitID, proposalID string) error {
	ok, err := m.table.Delete(ctx, unitID, proposalID)
	if err != nil {
		return fmt.Errorf("release %s: %w", unitID, err)
	}
	if ok {
		return nil
	}
	holder, held, err := m.table.Holder(ctx, unitID)
	if err != nil {
		return fmt.Errorf("release %s: %w", unitID, err)
	}
	if held && holder != proposalID {
		return ErrNotHolder
	}
	return nil
}

func (m *TableManager) Holder(ctx context.Context, unitID string) (string, bool, error) {
	return m.table.Holder(ctx, unitID)
}

func (m *TableManager) Holding(ctx context.Context, unitID string) (Holding, bool, error) {
	holder, at, ok, err := m.table.Lookup(ctx, unitID)
	if err != nil || !ok {
		return Holding{}, false, err
	}
	return Holding{UnitID: unitID, HolderID: holder, AcquiredAt: at}, true, nil
}
